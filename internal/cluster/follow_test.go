package cluster

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/lessonplayer/internal/audio"
	"github.com/agleyzer/lessonplayer/internal/player"
	"github.com/agleyzer/lessonplayer/pkg/segment"
)

type stubHandle struct {
	mu      sync.Mutex
	url     string
	playing bool
}

func (h *stubHandle) URL() string { return h.url }

func (h *stubHandle) Play(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	return nil
}

func (h *stubHandle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
}

func (h *stubHandle) SetVolume(float64) {}
func (h *stubHandle) OnEnded(func()) {}
func (h *stubHandle) OnError(func(error)) {}
func (h *stubHandle) Close() error { return nil }

type stubLoader struct{}

func (stubLoader) Load(url string) audio.Handle { return &stubHandle{url: url} }

func createTestController(t *testing.T, count int) *player.Controller {
	t.Helper()

	segments := make([]segment.Segment, count)
	for i := range segments {
		segments[i] = segment.New(i, map[string]string{"en": "s"})
	}

	c, err := player.New(player.Config{
		BaseURL: "https://example.com",
		Loader:  stubLoader{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, "book", "1", segments)
	if err != nil {
		t.Fatalf("player.New() error = %v", err)
	}
	t.Cleanup(func() { c.Destroy() })

	return c
}

func TestApplyPosition(t *testing.T) {
	tests := []struct {
		name       string
		position   Position
		wantIndex  int
		wantStatus player.Status
		wantErr    bool
	}{
		{
			name:       "seek while paused",
			position:   Position{Book: "book", Chapter: "1", Index: 3, Status: player.StatusPaused},
			wantIndex:  3,
			wantStatus: player.StatusPaused,
		},
		{
			name:       "seek and play",
			position:   Position{Book: "book", Chapter: "1", Index: 2, Status: player.StatusPlaying},
			wantIndex:  2,
			wantStatus: player.StatusPlaying,
		},
		{
			name:       "play in place",
			position:   Position{Book: "book", Chapter: "1", Index: 0, Status: player.StatusLoading},
			wantIndex:  0,
			wantStatus: player.StatusPlaying,
		},
		{
			name:       "other playlist",
			position:   Position{Book: "other", Chapter: "1", Index: 2, Status: player.StatusPlaying},
			wantIndex:  0,
			wantStatus: player.StatusPaused,
			wantErr:    true,
		},
		{
			name:       "index out of range",
			position:   Position{Book: "book", Chapter: "1", Index: 9, Status: player.StatusPaused},
			wantIndex:  0,
			wantStatus: player.StatusPaused,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := createTestController(t, 5)

			err := applyPosition(context.Background(), c, tt.position)
			if (err != nil) != tt.wantErr {
				t.Fatalf("applyPosition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := c.CurrentIndex(); got != tt.wantIndex {
				t.Errorf("CurrentIndex() = %d, want %d", got, tt.wantIndex)
			}
			if got := c.Status(); got != tt.wantStatus {
				t.Errorf("Status() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestFollow_LeaderReplicatesPosition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := createTestClusterAt(t, logger, 20100, 1)[0]
	defer manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	c := createTestController(t, 4)
	if err := manager.Initialize(Position{Book: "book", Chapter: "1", Length: c.Len()}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	followCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		Follow(followCtx, manager, c, logger)
		close(done)
	}()
	defer func() {
		stop()
		<-done
	}()

	// let Follow register its observers
	time.Sleep(100 * time.Millisecond)

	if err := c.SetCurrentIndex(ctx, 2, 0); err != nil {
		t.Fatalf("SetCurrentIndex() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if manager.GetState().Index == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("replicated Index = %d, want 2", manager.GetState().Index)
}

func TestFollow_FollowerAppliesExistingPosition(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// a manager that never started is never the leader
	manager, err := NewManager(Config{
		RaftID:   "node2",
		BindAddr: "127.0.0.1:20201",
		Peers:    []string{"127.0.0.1:20200", "127.0.0.1:20201"},
	}, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	initData, err := EncodeCommand(Command{
		Type: CommandInitialize,
		Data: InitializeCommand{State: Position{Book: "book", Chapter: "1", Length: 5, Index: 3}},
	})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if result := manager.fsm.Apply(&raft.Log{Data: initData}); result != nil {
		t.Fatalf("Apply() result = %v", result)
	}

	c := createTestController(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Follow(ctx, manager, c, logger)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitForIndex(t, c, 3)

	setData, err := EncodeCommand(Command{
		Type: CommandSetPosition,
		Data: SetPositionCommand{Index: 1, Status: player.StatusPlaying},
	})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if result := manager.fsm.Apply(&raft.Log{Data: setData}); result != nil {
		t.Fatalf("Apply() result = %v", result)
	}

	waitForIndex(t, c, 1)

	deadline := time.Now().Add(2 * time.Second)
	for c.Status() != player.StatusPlaying && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.Status(); got != player.StatusPlaying {
		t.Errorf("Status() = %v, want PLAYING", got)
	}
}

func waitForIndex(t *testing.T, c *player.Controller, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.CurrentIndex() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("CurrentIndex() = %d, want %d", c.CurrentIndex(), want)
}
