package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hitoshi/billboard/internal/model"
)

const (
	// DefaultGeminiEndpoint はGemini REST APIのベースURL。
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultGeminiModel は判定に使用するモデル名。
	DefaultGeminiModel = "gemini-2.5-flash-lite"

	// placeholderAPIKey はサンプル設定ファイルに書かれたダミーのAPIキー。
	placeholderAPIKey = "tu_gemini_api_key_aqui"

	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20
)

// IsUsableAPIKey はAPIキーが設定済みでプレースホルダーでないかを判定する。
func IsUsableAPIKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && key != placeholderAPIKey
}

// GeminiClient はGemini generateContent APIでメッセージを判定するクライアント。
type GeminiClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	model      string
	apiKey     string
	limiter    *rate.Limiter
}

// GeminiOption はGeminiClientの設定を変更する関数。
type GeminiOption func(*GeminiClient)

// WithEndpoint はAPIのベースURLを差し替える。
func WithEndpoint(endpoint string) GeminiOption {
	return func(c *GeminiClient) {
		if endpoint != "" {
			c.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithModel は使用するモデル名を設定する。
func WithModel(name string) GeminiOption {
	return func(c *GeminiClient) {
		if name != "" {
			c.model = name
		}
	}
}

// WithRatePerMinute はAPI呼び出しの上限を1分あたりの回数で設定する。0以下の場合は制限しない。
func WithRatePerMinute(n int) GeminiOption {
	return func(c *GeminiClient) {
		if n <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}
}

// NewGeminiClient はGeminiClientを生成する。
func NewGeminiClient(httpClient *http.Client, logger *slog.Logger, apiKey string, opts ...GeminiOption) *GeminiClient {
	c := &GeminiClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   DefaultGeminiEndpoint,
		model:      DefaultGeminiModel,
		apiKey:     strings.TrimSpace(apiKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured はAPIキーが利用可能かを返す。
func (c *GeminiClient) Configured() bool {
	return IsUsableAPIKey(c.apiKey)
}

type generateContentRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

// classification はモデルが返すJSONオブジェクト。
type classification struct {
	Status        string  `json:"status"`
	CorrectedText *string `json:"correctedText"`
	Reason        *string `json:"reason"`
}

// Classify はtextをモデレーションサービスに問い合わせて判定を返す。
// 通信・解析・検証のいずれかに失敗した場合はmodel.ErrModerationUnavailableでラップしたエラーを返す。
func (c *GeminiClient) Classify(ctx context.Context, text string) (model.Verdict, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.Verdict{}, unavailable("レート制限の待機に失敗しました", err)
		}
	}

	body, err := json.Marshal(generateContentRequest{
		Contents:         []content{{Parts: []part{{Text: buildPrompt(text)}}}},
		GenerationConfig: generationConfig{Temperature: 0, ResponseMimeType: "application/json"},
	})
	if err != nil {
		return model.Verdict{}, unavailable("リクエストの生成に失敗しました", err)
	}

	reqURL := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return model.Verdict{}, unavailable("HTTPリクエストの作成に失敗しました", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("モデレーションAPIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return model.Verdict{}, unavailable("モデレーションAPIの呼び出しに失敗しました", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.Verdict{}, unavailable("レスポンスボディの読み取りに失敗しました", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("モデレーションAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("error_message", gjson.GetBytes(respBody, "error.message").String()),
		)
		return model.Verdict{}, unavailable(fmt.Sprintf("モデレーションAPIがステータス %d を返しました", resp.StatusCode), nil)
	}

	answer := gjson.GetBytes(respBody, "candidates.0.content.parts.0.text")
	if !answer.Exists() {
		return model.Verdict{}, unavailable("レスポンスに判定テキストが含まれていません", nil)
	}

	c.logger.Debug("モデレーションAPIの応答を受信しました",
		slog.String("answer", answer.String()),
	)

	return parseClassification(answer.String())
}

// parseClassification はモデルの応答テキストから判定を取り出して検証する。
func parseClassification(answer string) (model.Verdict, error) {
	raw, ok := extractJSONObject(answer)
	if !ok {
		return model.Verdict{}, unavailable("応答からJSONを抽出できませんでした", nil)
	}

	var cls classification
	if err := json.Unmarshal([]byte(raw), &cls); err != nil {
		return model.Verdict{}, unavailable("判定JSONのパースに失敗しました", err)
	}

	if cls.Status == "" {
		return model.Verdict{}, unavailable("判定にstatusがありません", nil)
	}

	v := model.Verdict{
		Source: model.VerdictSourceModerated,
		Reason: trimmedOrNil(cls.Reason),
	}

	if cls.Status != string(model.StatusApproved) {
		v.Status = model.StatusRejected
		return v, nil
	}

	corrected := trimmedOrNil(cls.CorrectedText)
	if corrected == nil {
		return model.Verdict{}, unavailable("承認判定にcorrectedTextがありません", nil)
	}
	truncated := TruncateUTF16(*corrected, MaxCorrectedLength)

	v.Status = model.StatusApproved
	v.CorrectedText = &truncated
	return v, nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" || t == "null" {
		return nil
	}
	return &t
}

func unavailable(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", msg, model.ErrModerationUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", msg, model.ErrModerationUnavailable, err)
}

// buildPrompt は公共ビルボード向けの判定基準を含むプロンプトを組み立てる。
func buildPrompt(text string) string {
	quoted, _ := json.Marshal(text)
	return fmt.Sprintf(`Eres un moderador de contenido estricto para una valla publicitaria pública, experto en español regional (incluyendo jerga ofensiva de México, Colombia, Argentina y España).

Analiza el siguiente mensaje: %s

Criterios:
1. Rechaza cualquier mensaje con insultos, groserías o derivados, incluso mal escritos o camuflados (ej: "p_to", "m4lparido", "hpta").
2. Rechaza violencia, contenido sexual, discriminación, spam o datos personales.
3. Si es aprobado, corrige ortografía y gramática sin alterar el tono ni el sentido.
4. El correctedText no debe exceder %d caracteres; si los excede, recórtalo manteniendo el sentido.

Responde ÚNICAMENTE con un JSON válido:
{"status": "approved" | "rejected", "correctedText": "mensaje corregido o null si es rechazado", "reason": "explicación breve del rechazo o null si es aprobado"}`,
		quoted, MaxCorrectedLength)
}
