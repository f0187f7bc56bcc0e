package safe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/httpx"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/store"
	"github.com/rs/zerolog"
)

const (
	gnosisNative = "0x0000000000000000000000000000000000000000"
	gnosisOLAS   = "0xce11e14225575945b8e6dc0d4f2dd4c570f79d9f"
)

type memMemory struct {
	mu   sync.Mutex
	byCh map[string]model.SafeMemory
}

func newMemMemory() *memMemory { return &memMemory{byCh: map[string]model.SafeMemory{}} }

func (m *memMemory) SafeMemory(_ context.Context, chain string) (model.SafeMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.byCh[chain]
	if !ok {
		return model.SafeMemory{Chain: chain, Transfers: map[string]model.TransferStatus{}}, nil
	}
	return mem, nil
}

func (m *memMemory) MergeSafeMemory(_ context.Context, next model.SafeMemory) (model.SafeMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := m.byCh[next.Chain].Merge(next)
	m.byCh[next.Chain] = merged
	return merged, nil
}

type fakeBackend struct {
	calls   atomic.Int32
	results []model.SafeCreationResult
	err     error
	errs    []error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeBackend) Wallets(context.Context) ([]model.MasterWallet, error) { return nil, nil }

func (f *fakeBackend) CreateSafe(ctx context.Context, chain, backupOwner string) (model.SafeCreationResult, error) {
	n := int(f.calls.Add(1))
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return model.SafeCreationResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return model.SafeCreationResult{}, f.err
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return model.SafeCreationResult{}, f.errs[n-1]
	}
	if n > len(f.results) {
		n = len(f.results)
	}
	return f.results[n-1], nil
}

func newService(backend Backend, memory Memory) *Service {
	return NewService(backend, memory, 5*time.Second, nil, zerolog.Nop())
}

func TestEnsureSafeIsIdempotent(t *testing.T) {
	backend := &fakeBackend{results: []model.SafeCreationResult{{
		Status:   model.SafeCreated,
		CreateTx: "0xabc",
		TransferTxs: map[string]model.TxHashes{
			gnosisNative: {"0x01"},
			"0xcE11e14225575945b8E6Dc0D4F2dD4C570f79d9f": {"0x02"},
		},
	}}}
	svc := newService(backend, newMemMemory())

	first, err := svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xDAI", "OLAS"})
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if first.Status != model.SafeCreatedTransferCompleted || !first.BackendCalled || !first.IsSafeCreated {
		t.Fatalf("unexpected first outcome: %+v", first)
	}
	if first.CreateTxLink != "https://gnosisscan.io/tx/0xabc" {
		t.Fatalf("unexpected create link %q", first.CreateTxLink)
	}
	if len(first.Transfers) != 2 || first.Transfers[1].Symbol != "OLAS" || first.Transfers[1].ExplorerLinks[0] != "https://gnosisscan.io/tx/0x02" {
		t.Fatalf("unexpected transfers: %+v", first.Transfers)
	}

	second, err := svc.EnsureSafeAndTransfer(context.Background(), "100", "", []string{gnosisOLAS})
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if second.Status != model.SafeExistsAlreadyFunded || second.BackendCalled {
		t.Fatalf("expected no-op outcome, got %+v", second)
	}
	if backend.calls.Load() != 1 {
		t.Fatalf("expected one backend call, got %d", backend.calls.Load())
	}
}

func TestEnsureSafeRetriesOnlyUnfinishedTransfers(t *testing.T) {
	backend := &fakeBackend{results: []model.SafeCreationResult{
		{
			Status:         model.SafeCreated,
			CreateTx:       "0xabc",
			TransferTxs:    map[string]model.TxHashes{gnosisNative: {"0x01"}},
			TransferErrors: map[string]string{gnosisOLAS: "insufficient gas"},
		},
		{
			Status:      model.SafeCreationFailed,
			TransferTxs: map[string]model.TxHashes{gnosisOLAS: {"0x03"}},
		},
	}}
	svc := newService(backend, newMemMemory())

	first, err := svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xdai", "olas"})
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if first.Status != model.SafeCreated || first.TransfersComplete {
		t.Fatalf("expected partial outcome, got %+v", first)
	}
	if first.Transfers[1].Status != model.TransferError || first.Transfers[1].Error != "insufficient gas" {
		t.Fatalf("expected OLAS transfer error, got %+v", first.Transfers[1])
	}

	// A later FAILED report must not undo the observed creation.
	second, err := svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xdai", "olas"})
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if !second.IsSafeCreated || second.CreateTx != "0xabc" {
		t.Fatalf("creation regressed: %+v", second)
	}
	if second.Status != model.SafeCreatedTransferCompleted || !second.TransfersComplete {
		t.Fatalf("expected completed transfers, got %+v", second)
	}
	if backend.calls.Load() != 2 {
		t.Fatalf("expected two backend calls, got %d", backend.calls.Load())
	}
}

func TestEnsureSafeTransferErrorOutranksHash(t *testing.T) {
	backend := &fakeBackend{results: []model.SafeCreationResult{
		{
			Status:         model.SafeCreated,
			CreateTx:       "0xabc",
			TransferTxs:    map[string]model.TxHashes{gnosisNative: {"0x01"}, gnosisOLAS: {"0x02"}},
			TransferErrors: map[string]string{gnosisOLAS: "second transfer reverted"},
		},
		{
			Status:      model.SafeCreated,
			TransferTxs: map[string]model.TxHashes{gnosisOLAS: {"0x03"}},
		},
	}}
	svc := newService(backend, newMemMemory())

	first, err := svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xdai", "olas"})
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if first.Status != model.SafeCreated || first.TransfersComplete {
		t.Fatalf("expected partial outcome, got %+v", first)
	}
	if first.Transfers[0].Status != model.TransferFinish {
		t.Fatalf("expected native transfer finished, got %+v", first.Transfers[0])
	}
	if first.Transfers[1].Status != model.TransferError || first.Transfers[1].Error != "second transfer reverted" {
		t.Fatalf("expected OLAS transfer error, got %+v", first.Transfers[1])
	}

	second, err := svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xdai", "olas"})
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if !second.BackendCalled || second.Status != model.SafeCreatedTransferCompleted {
		t.Fatalf("expected OLAS retried to completion, got %+v", second)
	}
	if backend.calls.Load() != 2 {
		t.Fatalf("expected two backend calls, got %d", backend.calls.Load())
	}
}

func TestEnsureSafeErrorKeepsRememberedCreation(t *testing.T) {
	backend := &fakeBackend{
		results: []model.SafeCreationResult{{
			Status:      model.SafeCreated,
			CreateTx:    "0xabc",
			TransferTxs: map[string]model.TxHashes{gnosisNative: {"0x01"}},
		}},
		errs: []error{nil, clierr.New(clierr.CodeTimeout, "operation timed out")},
	}
	svc := newService(backend, newMemMemory())

	if _, err := svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xdai", "olas"}); err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	outcome, err := svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xdai", "olas"})
	if !clierr.Is(err, clierr.CodeTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if outcome.Chain != "gnosis" || !outcome.IsSafeCreated || outcome.CreateTx != "0xabc" || outcome.Status != model.SafeCreated {
		t.Fatalf("remembered creation lost: %+v", outcome)
	}
	if outcome.TransfersComplete || outcome.Transfers[0].Status != model.TransferFinish {
		t.Fatalf("unexpected transfers: %+v", outcome.Transfers)
	}
}

// lateBackend answers only after the run deadline has passed.
type lateBackend struct{}

func (lateBackend) Wallets(context.Context) ([]model.MasterWallet, error) { return nil, nil }

func (lateBackend) CreateSafe(ctx context.Context, chain, backupOwner string) (model.SafeCreationResult, error) {
	<-ctx.Done()
	return model.SafeCreationResult{Status: model.SafeCreated, CreateTx: "0xabc"}, nil
}

// deadlineMemory refuses writes on a finished context.
type deadlineMemory struct{ *memMemory }

func (m deadlineMemory) MergeSafeMemory(ctx context.Context, next model.SafeMemory) (model.SafeMemory, error) {
	if err := ctx.Err(); err != nil {
		return model.SafeMemory{}, err
	}
	return m.memMemory.MergeSafeMemory(ctx, next)
}

func TestEnsureSafePersistsResultAtDeadline(t *testing.T) {
	memory := deadlineMemory{newMemMemory()}
	svc := NewService(lateBackend{}, memory, 30*time.Millisecond, nil, zerolog.Nop())

	outcome, err := svc.EnsureSafeAndTransfer(context.Background(), "base", "", nil)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !outcome.IsSafeCreated {
		t.Fatalf("expected created safe, got %+v", outcome)
	}
	mem, _ := memory.SafeMemory(context.Background(), "base")
	if !mem.IsSafeCreated || mem.CreateTx != "0xabc" {
		t.Fatalf("creation not persisted: %+v", mem)
	}
}

func TestEnsureSafeReportsCreationFailure(t *testing.T) {
	backend := &fakeBackend{results: []model.SafeCreationResult{{Status: model.SafeCreationFailed}}}
	outcome, err := newService(backend, newMemMemory()).EnsureSafeAndTransfer(context.Background(), "base", "", nil)
	if !clierr.Is(err, clierr.CodeSafeCreation) {
		t.Fatalf("expected safe creation error, got %v", err)
	}
	if outcome.Status != model.SafeCreationFailed || outcome.IsSafeCreated {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestEnsureSafeRejectsChainsWithoutSafes(t *testing.T) {
	_, err := newService(&fakeBackend{}, newMemMemory()).EnsureSafeAndTransfer(context.Background(), "ethereum", "", nil)
	if !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	_, err = newService(&fakeBackend{}, newMemMemory()).EnsureSafeAndTransfer(context.Background(), "gnosis", "not-an-address", nil)
	if !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestEnsureSafeSharesConcurrentCalls(t *testing.T) {
	backend := &fakeBackend{
		results: []model.SafeCreationResult{{Status: model.SafeCreated, TransferTxs: map[string]model.TxHashes{gnosisNative: {"0x01"}}}},
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	svc := newService(backend, newMemMemory())

	var wg sync.WaitGroup
	outcomes := make([]model.SafeOutcome, 3)
	errs := make([]error, 3)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.EnsureSafeAndTransfer(context.Background(), "gnosis", "", []string{"xdai"})
		}(i)
	}
	<-backend.entered
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	for i := range outcomes {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if !outcomes[i].IsSafeCreated || !outcomes[i].TransfersComplete {
			t.Fatalf("caller %d got %+v", i, outcomes[i])
		}
	}
	if backend.calls.Load() != 1 {
		t.Fatalf("expected a single creation call, got %d", backend.calls.Load())
	}
}

func TestEnsureSafeCallerTimeout(t *testing.T) {
	backend := &fakeBackend{
		results: []model.SafeCreationResult{{Status: model.SafeCreated}},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	defer close(backend.release)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newService(backend, newMemMemory()).EnsureSafeAndTransfer(ctx, "gnosis", "", nil)
	if !clierr.Is(err, clierr.CodeTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestEnsureSafeTransportError(t *testing.T) {
	backend := &fakeBackend{err: clierr.New(clierr.CodeUnavailable, "backend down")}
	_, err := newService(backend, newMemMemory()).EnsureSafeAndTransfer(context.Background(), "gnosis", "", nil)
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestEnsureSafePersistsAcrossServices(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"), filepath.Join(dir, "state.lock"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	backend := &fakeBackend{results: []model.SafeCreationResult{{Status: model.SafeCreated, CreateTx: "0xabc"}}}
	if _, err := newService(backend, st).EnsureSafeAndTransfer(context.Background(), "base", "", nil); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	outcome, err := newService(backend, st).EnsureSafeAndTransfer(context.Background(), "base", "", nil)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if outcome.Status != model.SafeExistsAlreadyFunded || backend.calls.Load() != 1 {
		t.Fatalf("expected remembered safe, got %+v after %d calls", outcome, backend.calls.Load())
	}
}

func TestWalletClientCreateSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/wallet/safe":
			var body createSafeRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if body.Chain != "gnosis" || !body.TransferExcessAssets || !strings.EqualFold(body.BackupOwner, "0x3333333333333333333333333333333333333333") {
				t.Errorf("unexpected body %+v", body)
			}
			_, _ = w.Write([]byte(`{"status":"SAFE_CREATED","create_tx":"0xabc","transfer_txs":{"0x0000000000000000000000000000000000000000":"0x01"}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/api/wallet/safe":
			var body updateSafeRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if body.Chain != "gnosis" || body.BackupOwner == "" {
				t.Errorf("unexpected update body %+v", body)
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/api/wallet":
			_, _ = w.Write([]byte(`[{"address":"0x1111111111111111111111111111111111111111","safes":{"gnosis":"0x2222222222222222222222222222222222222222"},"safe_chains":["gnosis"],"ledger_type":"ethereum"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewWalletClient(httpx.New(2*time.Second, 0), srv.URL+"/api")
	result, err := client.CreateSafe(context.Background(), "gnosis", "0x3333333333333333333333333333333333333333")
	if err != nil {
		t.Fatalf("CreateSafe failed: %v", err)
	}
	if result.Status != model.SafeCreated || len(result.TransferTxs[gnosisNative]) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	wallets, err := client.Wallets(context.Background())
	if err != nil {
		t.Fatalf("Wallets failed: %v", err)
	}
	if len(wallets) != 1 || wallets[0].Safes["gnosis"] == "" {
		t.Fatalf("unexpected wallets %+v", wallets)
	}
	if err := client.UpdateBackupOwner(context.Background(), "gnosis", "0x4444444444444444444444444444444444444444"); err != nil {
		t.Fatalf("UpdateBackupOwner failed: %v", err)
	}
}

func TestWalletClientMapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewWalletClient(httpx.New(time.Second, 0), srv.URL).CreateSafe(context.Background(), "gnosis", "")
	var ce *clierr.Error
	if !errors.As(err, &ce) || ce.Code != clierr.CodeAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}
