package cardtrader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/cardman/internal/model"
	"github.com/hitoshi/cardman/internal/source"
)

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// tokenManager はOAuthトークンのライフサイクルを管理する。
// トークンはアダプタインスタンスのメモリにのみ保持され、
// プロセス再起動時には常に再取得される。
// 残存有効期間が安全マージン（60秒）を下回ると事前にリフレッシュする。
type tokenManager struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	logger       *slog.Logger

	mu    sync.Mutex
	token *model.AuthToken
}

// newTokenManager はtokenManagerを生成する。
func newTokenManager(clientID, clientSecret, tokenURL string, httpClient *http.Client, logger *slog.Logger) *tokenManager {
	return &tokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
		logger:       logger,
	}
}

// AccessToken は有効なアクセストークンを返す。
// トークンが未取得または安全マージンを下回っている場合は
// ブロックして新しいトークンを取得する。
func (m *tokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.Valid() {
		return m.token.AccessToken, nil
	}

	token, err := m.exchange(ctx)
	if err != nil {
		return "", err
	}
	m.token = token
	return token.AccessToken, nil
}

// Invalidate は保持中のトークンを破棄する。
// 401応答を受けた呼び出し側が再認証を強制するために使用する。
func (m *tokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

// Expiry は保持中トークンの有効期限を返す。未取得の場合はゼロ値を返す。
func (m *tokenManager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return time.Time{}
	}
	return m.token.ExpiresAt
}

// exchange はclient_credentialsグラントでアクセストークンを取得する。
func (m *tokenManager) exchange(ctx context.Context) (*model.AuthToken, error) {
	data := url.Values{
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
		"grant_type":    {"client_credentials"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("トークンリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("トークンリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("トークンレスポンスの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("トークンエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("トークンレスポンスのパースに失敗しました: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("トークンレスポンスにaccess_tokenが含まれていません")
	}

	m.logger.Info("アクセストークンを取得しました",
		slog.Int("expires_in", tr.ExpiresIn),
	)

	return &model.AuthToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// doAuthorized は認証付きリクエストをレート制限を守りながら発行する。
// 401応答には透過的に再認証して元のリクエストを1回だけ再試行する。
// 429応答にはRetry-Afterの指定時間だけ待機して1回だけ再試行する。
func (c *Client) doAuthorized(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, []byte, error) {
	reauthed := false
	rateRetried := false
	for {
		if err := c.budget.Wait(ctx); err != nil {
			return nil, nil, err
		}

		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryAuth,
				"アクセストークンの取得に失敗しました", err)
		}

		req, err := newReq()
		if err != nil {
			return nil, nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
				"HTTPリクエストに失敗しました", err)
		}

		c.budget.ObserveHeaders(resp.Header)

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Warn("401応答を受信したため再認証して再試行します",
				slog.String("source_id", c.cfg.ID),
			)
			c.tokens.Invalidate()
			reauthed = true
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests && !rateRetried {
			delay := source.RetryAfterDelay(resp, rateLimitFallbackDelay)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Warn("レート制限応答を受信したため待機して再試行します",
				slog.String("source_id", c.cfg.ID),
				slog.Duration("delay", delay),
			)
			if err := source.SleepContext(ctx, delay); err != nil {
				return nil, nil, err
			}
			rateRetried = true
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryNetwork,
				"レスポンスボディの読み取りに失敗しました", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryAuth,
				"再認証後も認証が拒否されました", nil)
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, nil, model.NewSourceError(c.cfg.ID, model.ErrCategoryRateLimit,
				"再試行後もレート制限が継続しています", nil)
		}

		return resp, body, nil
	}
}
