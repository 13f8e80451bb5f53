package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/skkmth-sudo/ai-tanken/internal/curriculum"
	"github.com/skkmth-sudo/ai-tanken/internal/domain"
)

type fakeRepo struct {
	mu          sync.Mutex
	transcripts map[string][]domain.Turn
	getErr      error
	saveErr     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{transcripts: make(map[string][]domain.Turn)}
}

func (f *fakeRepo) GetProfile(context.Context, string) (*domain.Profile, error) { return nil, nil }
func (f *fakeRepo) SaveProfile(context.Context, string, domain.Profile) error   { return nil }

func (f *fakeRepo) GetTranscript(_ context.Context, scope string) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.transcripts[scope], nil
}

func (f *fakeRepo) SaveTranscript(_ context.Context, scope string, turns []domain.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := make([]domain.Turn, len(turns))
	copy(cp, turns)
	f.transcripts[scope] = cp
	return nil
}

func (f *fakeRepo) GetPref(context.Context, string) (string, error) { return "", nil }
func (f *fakeRepo) SetPref(context.Context, string, string) error   { return nil }
func (f *fakeRepo) Ping(context.Context) error                      { return nil }
func (f *fakeRepo) Close() error                                    { return nil }

func (f *fakeRepo) saved(scope string) []domain.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcripts[scope]
}

type fakeResumer struct {
	mu       sync.Mutex
	raw      []any
	err      error
	fetches  int
	onManual func()
}

func (f *fakeResumer) FetchLatestSession(context.Context, string, string) ([]any, error) {
	f.mu.Lock()
	f.fetches++
	hook := f.onManual
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.raw, nil
}

func (f *fakeResumer) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func week1() curriculum.Week { return curriculum.Get("week1") }

func TestLoadSeedsOpening(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s := NewStore(repo, &fakeResumer{}, "child-a", 2)

	turns := s.Load(context.Background(), week1())
	if len(turns) != 1 {
		t.Fatalf("Expected 1 seeded turn, got %d", len(turns))
	}
	if turns[0].Role != domain.RoleAssistant || turns[0].Content != week1().OpeningMessage {
		t.Errorf("Unexpected seed turn: %+v", turns[0])
	}
	if len(repo.saved("child-a")) != 1 {
		t.Error("Expected the seed to be persisted")
	}
}

func TestLoadExistingTranscript(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	existing := []domain.Turn{
		domain.NewTurn(domain.RoleAssistant, "opening"),
		domain.NewTurn(domain.RoleUser, "hi"),
	}
	repo.transcripts["child-a"] = existing

	s := NewStore(repo, &fakeResumer{}, "child-a", 2)
	turns := s.Load(context.Background(), week1())
	if len(turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(turns))
	}
	if turns[1].Content != "hi" {
		t.Errorf("Unexpected turn: %+v", turns[1])
	}
}

func TestLoadErrorReseeds(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.getErr = errors.New("corrupt")

	s := NewStore(repo, &fakeResumer{}, "child-a", 2)
	turns := s.Load(context.Background(), week1())
	if len(turns) != 1 || turns[0].Content != week1().OpeningMessage {
		t.Errorf("Expected reseed on load failure, got %v", turns)
	}
}

func TestTryResumeReplacesFreshTranscript(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	resumer := &fakeResumer{raw: []any{
		map[string]any{"role": "assistant", "text": "おかえり！"},
		map[string]any{"role": "user", "text": "ただいま"},
		map[string]any{"role": "assistant", "text": "つづきをやろう"},
	}}

	s := NewStore(repo, resumer, "child-a", 2)
	s.Load(context.Background(), week1())
	s.TryResumeFromRemote(context.Background(), "tok")

	turns := s.Turns()
	if len(turns) != 3 {
		t.Fatalf("Expected 3 restored turns, got %d", len(turns))
	}
	if turns[0].Content != "おかえり！" || turns[1].Role != domain.RoleUser {
		t.Errorf("Unexpected restored turns: %+v", turns)
	}
	if len(repo.saved("child-a")) != 3 {
		t.Error("Expected the restored transcript to be persisted")
	}
}

func TestTryResumeSkipsConversationInProgress(t *testing.T) {
	t.Parallel()

	resumer := &fakeResumer{raw: []any{map[string]any{"role": "assistant", "text": "x"}}}
	s := NewStore(newFakeRepo(), resumer, "child-a", 2)
	s.Load(context.Background(), week1())
	s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "すすんでる"))

	s.TryResumeFromRemote(context.Background(), "tok")

	if resumer.fetchCount() != 0 {
		t.Error("Expected no fetch for an in-progress conversation")
	}
	turns := s.Turns()
	if len(turns) != 2 || turns[1].Content != "すすんでる" {
		t.Errorf("Expected local transcript untouched, got %+v", turns)
	}
}

func TestTryResumeRecheckAfterRace(t *testing.T) {
	t.Parallel()

	s := NewStore(newFakeRepo(), nil, "child-a", 2)
	resumer := &fakeResumer{
		raw: []any{map[string]any{"role": "assistant", "text": "stale"}},
		// Simulate a send landing while the fetch is in flight.
		onManual: func() {
			s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "racing"))
		},
	}
	s.resume = resumer

	s.Load(context.Background(), week1())
	s.TryResumeFromRemote(context.Background(), "tok")

	turns := s.Turns()
	if len(turns) != 2 || turns[1].Content != "racing" {
		t.Errorf("Expected the raced transcript to survive, got %+v", turns)
	}
}

func TestTryResumeSkipsAnonymousAndUnauthenticated(t *testing.T) {
	t.Parallel()

	resumer := &fakeResumer{raw: []any{map[string]any{"text": "x"}}}

	s := NewStore(newFakeRepo(), resumer, "_no_child", 2)
	s.Load(context.Background(), week1())
	s.TryResumeFromRemote(context.Background(), "tok")
	if resumer.fetchCount() != 0 {
		t.Error("Expected no fetch for the anonymous scope")
	}

	s2 := NewStore(newFakeRepo(), resumer, "child-a", 2)
	s2.Load(context.Background(), week1())
	s2.TryResumeFromRemote(context.Background(), "")
	if resumer.fetchCount() != 0 {
		t.Error("Expected no fetch without a token")
	}
}

func TestTryResumeEmptySnapshotIgnored(t *testing.T) {
	t.Parallel()

	resumer := &fakeResumer{}
	s := NewStore(newFakeRepo(), resumer, "child-a", 2)
	s.Load(context.Background(), week1())
	s.TryResumeFromRemote(context.Background(), "tok")

	turns := s.Turns()
	if len(turns) != 1 || turns[0].Content != week1().OpeningMessage {
		t.Errorf("Expected the seeded transcript to survive, got %+v", turns)
	}
}

func TestTryResumeFetchErrorSwallowed(t *testing.T) {
	t.Parallel()

	resumer := &fakeResumer{err: errors.New("offline")}
	s := NewStore(newFakeRepo(), resumer, "child-a", 2)
	s.Load(context.Background(), week1())
	s.TryResumeFromRemote(context.Background(), "tok")

	if s.Len() != 1 {
		t.Errorf("Expected transcript untouched on fetch failure, got %d turns", s.Len())
	}
}

func TestAppendPersistsWholeSequence(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s := NewStore(repo, &fakeResumer{}, "child-a", 2)
	s.Load(context.Background(), week1())

	s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "ひとつめ"))
	s.Append(context.Background(), domain.NewTurn(domain.RoleAssistant, "ふたつめ"))

	saved := repo.saved("child-a")
	if len(saved) != 3 {
		t.Fatalf("Expected 3 persisted turns, got %d", len(saved))
	}
	if saved[2].Content != "ふたつめ" {
		t.Errorf("Unexpected last persisted turn: %+v", saved[2])
	}
}

func TestRecent(t *testing.T) {
	t.Parallel()

	s := NewStore(newFakeRepo(), &fakeResumer{}, "child-a", 2)
	s.Load(context.Background(), week1())
	for i := 0; i < 5; i++ {
		s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "x"))
	}

	if got := s.Recent(3); len(got) != 3 {
		t.Errorf("Expected 3 recent turns, got %d", len(got))
	}
	if got := s.Recent(100); len(got) != 6 {
		t.Errorf("Expected all 6 turns, got %d", len(got))
	}
}

func TestLastAssistant(t *testing.T) {
	t.Parallel()

	s := NewStore(newFakeRepo(), &fakeResumer{}, "child-a", 2)
	s.Load(context.Background(), week1())
	s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "q"))
	s.Append(context.Background(), domain.NewTurn(domain.RoleAssistant, "a"))
	s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "q2"))

	turn, ok := s.LastAssistant()
	if !ok || turn.Content != "a" {
		t.Errorf("Expected last assistant turn a, got %+v (ok=%v)", turn, ok)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s := NewStore(repo, &fakeResumer{}, "child-a", 2)
	s.Load(context.Background(), week1())
	s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "けして"))

	turns := s.Reset(context.Background(), week1())
	if len(turns) != 1 || turns[0].Content != week1().OpeningMessage {
		t.Errorf("Expected a reseeded transcript, got %+v", turns)
	}
	if len(repo.saved("child-a")) != 1 {
		t.Error("Expected the reset to be persisted")
	}
}

func TestSwitchWeekAppendsOpening(t *testing.T) {
	t.Parallel()

	s := NewStore(newFakeRepo(), &fakeResumer{}, "child-a", 2)
	s.Load(context.Background(), week1())
	s.Append(context.Background(), domain.NewTurn(domain.RoleUser, "つぎへ"))

	w2 := curriculum.Get("week2")
	s.SwitchWeek(context.Background(), w2)

	turns := s.Turns()
	if len(turns) != 3 {
		t.Fatalf("Expected prior history kept plus new opening, got %d turns", len(turns))
	}
	if turns[2].Content != w2.OpeningMessage {
		t.Errorf("Expected week2 opening appended, got %+v", turns[2])
	}
}
