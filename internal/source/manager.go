package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/cardman/internal/model"
)

// managerState はマネージャーのライフサイクル状態を表す。
type managerState int

const (
	stateUninitialized managerState = iota
	stateInitializing
	stateReady
	stateClosed
)

// Manager は登録されたアダプタの集合を保持し、単一ソースへの委譲と
// 全ソースへのファンアウトのルーティング・集約を行う。
//
// ライフサイクル: uninitialized → initializing → ready → closed。
// 初期化は同時に1つしか実行されず、初期化中の並行呼び出しは
// 同じ実行中の試行を待ち合わせる。
//
// アダプタマップはRegisterSource/RemoveSourceによってのみ変更され、
// Close中に並行変更されることはない。
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	state     managerState
	initDone  chan struct{}
	initErr   error
	sources   map[string]DataSource
	order     []string // 登録順（FetchByIDの逐次プローブ順）
	defaultID string
}

// NewManager は空のManagerを生成する。
// シングルトンではなく、コンポジションルートで明示的に構築して
// スケジューラやハンドラーに注入する。
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger,
		sources: make(map[string]DataSource),
	}
}

// RegisterSource はアダプタをレジストリに追加する。
// 最初に登録されたソースは自動的にデフォルトとなる。
// 既存IDの再登録は警告付きで上書きされる（致命的エラーではない）。
func (m *Manager) RegisterSource(s DataSource, setAsDefault bool) error {
	id := s.Config().ID

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateClosed {
		return model.ErrManagerClosed
	}

	if _, exists := m.sources[id]; exists {
		m.logger.Warn("既存のソースIDを上書き登録します",
			slog.String("source_id", id),
		)
	} else {
		m.order = append(m.order, id)
	}
	m.sources[id] = s

	if m.defaultID == "" || setAsDefault {
		m.defaultID = id
	}

	m.logger.Info("データソースを登録しました",
		slog.String("source_id", id),
		slog.String("type", string(s.Config().Type)),
		slog.Bool("is_default", m.defaultID == id),
	)
	return nil
}

// RemoveSource はアダプタをクローズしてレジストリから削除する。
// 削除対象がデフォルトだった場合、残りのソースから新しいデフォルトを選ぶ
// （残りがなければデフォルトなしとなる）。
func (m *Manager) RemoveSource(id string) error {
	m.mu.Lock()
	s, exists := m.sources[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("ソースが登録されていません: %s", id)
	}
	delete(m.sources, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.defaultID == id {
		m.defaultID = ""
		if len(m.order) > 0 {
			m.defaultID = m.order[0]
		}
	}
	newDefault := m.defaultID
	m.mu.Unlock()

	if err := s.Close(); err != nil {
		m.logger.Error("ソースのクローズに失敗しました",
			slog.String("source_id", id),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("データソースを削除しました",
		slog.String("source_id", id),
		slog.String("new_default", newDefault),
	)
	return nil
}

// DefaultSource はデフォルトソースのIDを返す。
// ソースが1つも登録されていない場合は空文字列とfalseを返す。
func (m *Manager) DefaultSource() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultID, m.defaultID != ""
}

// SourceIDs は登録順のソースID一覧を返す。
func (m *Manager) SourceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// Source は指定IDのアダプタを返す。
func (m *Manager) Source(id string) (DataSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	return s, ok
}

// HasSource は指定IDのソースが登録済みかを返す。
func (m *Manager) HasSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[id]
	return ok
}

// Initialize は登録済みの全アダプタを初期化する。
// 並行呼び出しは同一の実行中初期化を待ち合わせる（重複初期化は行わない）。
// 個別アダプタの初期化失敗はログに記録し、残りのソースで継続する。
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateClosed:
		m.mu.Unlock()
		return model.ErrManagerClosed
	case stateReady:
		m.mu.Unlock()
		return nil
	case stateInitializing:
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := m.initErr
		m.mu.Unlock()
		return err
	}
	m.state = stateInitializing
	m.initDone = make(chan struct{})
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	var initErr error
	for _, s := range snapshot {
		if err := s.Initialize(ctx); err != nil {
			m.logger.Error("ソースの初期化に失敗しました",
				slog.String("source_id", s.Config().ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("ソースを初期化しました",
			slog.String("source_id", s.Config().ID),
		)
	}
	if len(snapshot) == 0 {
		initErr = model.ErrNoSourceAvailable
	}

	m.mu.Lock()
	if m.state == stateInitializing {
		m.state = stateReady
	}
	m.initErr = initErr
	close(m.initDone)
	m.mu.Unlock()

	return initErr
}

// Fetch は検索リクエストをルーティングする。
// sourceIDが指定された場合はそのアダプタに委譲して結果を1要素のリストで返す。
// 省略された場合は登録済みの全ソースに並列にファンアウトし、
// ソース単位の失敗はそのソースの劣化エントリとなる（呼び出し全体は失敗しない）。
func (m *Manager) Fetch(ctx context.Context, sourceID string, opts model.FetchOptions) ([]*model.FetchResult, error) {
	opts = opts.Normalize()

	if sourceID != "" {
		s, ok := m.Source(sourceID)
		if !ok {
			return nil, fmt.Errorf("ソースが登録されていません: %s", sourceID)
		}
		result, err := s.Fetch(ctx, opts)
		if err != nil {
			return nil, err
		}
		return []*model.FetchResult{result}, nil
	}

	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		return nil, model.ErrNoSourceAvailable
	}

	results := make([]*model.FetchResult, len(snapshot))
	var wg sync.WaitGroup
	for i, s := range snapshot {
		wg.Add(1)
		go func(i int, s DataSource) {
			defer wg.Done()
			id := s.Config().ID
			result, err := s.Fetch(ctx, opts)
			if err != nil {
				m.logger.Error("ファンアウト検索でソースがエラーを返しました",
					slog.String("source_id", id),
					slog.String("error", err.Error()),
				)
				results[i] = &model.FetchResult{
					Data:     []*model.CanonicalCard{},
					SourceID: id,
					Limit:    opts.Limit,
					Offset:   opts.Offset,
					HasMore:  false,
					Error:    err.Error(),
				}
				return
			}
			results[i] = result
		}(i, s)
	}
	wg.Wait()

	return results, nil
}

// FetchByID は指定IDのカードを取得する。
// sourceIDが指定された場合はそのアダプタに直接委譲する。
// 省略された場合は登録順にソースを逐次プローブし、最初の非nilヒットを返す
// （first-match-wins。後続のソースには問い合わせない）。
// エラーを返したソースはログに記録してスキップし、プローブを継続する。
// 全ソースでミスした場合は (nil, nil) を返す。
func (m *Manager) FetchByID(ctx context.Context, id, sourceID string) (*model.CanonicalCard, error) {
	if sourceID != "" {
		s, ok := m.Source(sourceID)
		if !ok {
			return nil, fmt.Errorf("ソースが登録されていません: %s", sourceID)
		}
		return s.FetchByID(ctx, id)
	}

	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		return nil, model.ErrNoSourceAvailable
	}

	for _, s := range snapshot {
		card, err := s.FetchByID(ctx, id)
		if err != nil {
			m.logger.Warn("逐次プローブでソースがエラーを返したためスキップします",
				slog.String("source_id", s.Config().ID),
				slog.String("card_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if card != nil {
			return card, nil
		}
	}
	return nil, nil
}

// FetchBatch は複数IDの一括取得をルーティングする。
// sourceIDが指定された場合はそのアダプタに委譲する。
// 省略された場合はソースごとのバッチを独立かつ並列に実行し、
// ソース単位の失敗は劣化エントリとなる。
func (m *Manager) FetchBatch(ctx context.Context, ids []string, sourceID string) ([]*model.FetchResult, error) {
	if sourceID != "" {
		s, ok := m.Source(sourceID)
		if !ok {
			return nil, fmt.Errorf("ソースが登録されていません: %s", sourceID)
		}
		cards, err := s.FetchBatch(ctx, ids)
		if err != nil {
			return nil, err
		}
		return []*model.FetchResult{batchResult(sourceID, cards)}, nil
	}

	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		return nil, model.ErrNoSourceAvailable
	}

	results := make([]*model.FetchResult, len(snapshot))
	var wg sync.WaitGroup
	for i, s := range snapshot {
		wg.Add(1)
		go func(i int, s DataSource) {
			defer wg.Done()
			id := s.Config().ID
			cards, err := s.FetchBatch(ctx, ids)
			if err != nil {
				m.logger.Error("ファンアウトバッチ取得でソースがエラーを返しました",
					slog.String("source_id", id),
					slog.Int("id_count", len(ids)),
					slog.String("error", err.Error()),
				)
				results[i] = &model.FetchResult{
					Data:     []*model.CanonicalCard{},
					SourceID: id,
					HasMore:  false,
					Error:    err.Error(),
				}
				return
			}
			results[i] = batchResult(id, cards)
		}(i, s)
	}
	wg.Wait()

	return results, nil
}

// FetchSets はセット一覧の取得をルーティングする。
// sourceIDが指定された場合はそのアダプタに委譲する。
// 省略された場合は全ソースに並列にファンアウトして結果を連結し、
// ソース単位の失敗はログに記録してスキップする。
func (m *Manager) FetchSets(ctx context.Context, sourceID string) ([]*model.CardSet, error) {
	if sourceID != "" {
		s, ok := m.Source(sourceID)
		if !ok {
			return nil, fmt.Errorf("ソースが登録されていません: %s", sourceID)
		}
		return s.FetchSets(ctx)
	}

	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		return nil, model.ErrNoSourceAvailable
	}

	perSource := make([][]*model.CardSet, len(snapshot))
	var wg sync.WaitGroup
	for i, s := range snapshot {
		wg.Add(1)
		go func(i int, s DataSource) {
			defer wg.Done()
			sets, err := s.FetchSets(ctx)
			if err != nil {
				m.logger.Error("セット一覧の取得に失敗しました",
					slog.String("source_id", s.Config().ID),
					slog.String("error", err.Error()),
				)
				return
			}
			perSource[i] = sets
		}(i, s)
	}
	wg.Wait()

	var all []*model.CardSet
	for _, sets := range perSource {
		all = append(all, sets...)
	}
	return all, nil
}

// Status は全アダプタのステータスを並列に問い合わせる。
// 個別の失敗はそのエントリをerror状態として報告し、全体は失敗しない。
func (m *Manager) Status(ctx context.Context) []model.SourceStatus {
	snapshot := m.snapshot()

	statuses := make([]model.SourceStatus, len(snapshot))
	var wg sync.WaitGroup
	for i, s := range snapshot {
		wg.Add(1)
		go func(i int, s DataSource) {
			defer wg.Done()
			id := s.Config().ID
			status, err := s.Status(ctx)
			if err != nil {
				statuses[i] = model.SourceStatus{
					SourceID: id,
					State:    model.StatusError,
					Message:  err.Error(),
				}
				return
			}
			status.SourceID = id
			statuses[i] = status
		}(i, s)
	}
	wg.Wait()

	return statuses
}

// Close は全アダプタをベストエフォートでクローズし、レジストリをクリアする。
// 個別アダプタのクローズは独立して実行され、1つの失敗が他をブロックしない
// （エラーはログに記録され、スローされない）。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return
	}
	snapshot := m.snapshotLocked()
	m.state = stateClosed
	m.sources = make(map[string]DataSource)
	m.order = nil
	m.defaultID = ""
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range snapshot {
		wg.Add(1)
		go func(s DataSource) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				m.logger.Error("ソースのクローズに失敗しました",
					slog.String("source_id", s.Config().ID),
					slog.String("error", err.Error()),
				)
			}
		}(s)
	}
	wg.Wait()

	m.logger.Info("データソースマネージャーをクローズしました",
		slog.Int("closed_sources", len(snapshot)),
	)
}

// snapshot は登録順のアダプタ一覧のコピーを返す。
func (m *Manager) snapshot() []DataSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []DataSource {
	list := make([]DataSource, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.sources[id])
	}
	return list
}

// batchResult はバッチ取得結果をFetchResultの形に包む。
func batchResult(sourceID string, cards []*model.CanonicalCard) *model.FetchResult {
	if cards == nil {
		cards = []*model.CanonicalCard{}
	}
	return &model.FetchResult{
		Data:     cards,
		Total:    len(cards),
		SourceID: sourceID,
		HasMore:  false,
	}
}
