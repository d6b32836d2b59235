package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsconductor/internal/models"
	"opsconductor/internal/store"
	"opsconductor/internal/transport"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.Migrate(db))
	return store.NewStore(db)
}

// fakeConnector hands out fakeConns and records dial counts per target. Its
// in-flight gauge tracks how many Run calls overlap, which is what the
// concurrency ceiling tests assert on.
type fakeConnector struct {
	mu      sync.Mutex
	dials   map[string]int
	dialErr error

	inflight atomic.Int64
	high     atomic.Int64
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{dials: make(map[string]int)}
}

func (c *fakeConnector) Dial(ctx context.Context, profile transport.Profile) (transport.Conn, error) {
	c.mu.Lock()
	c.dials[profile.TargetSerial]++
	err := c.dialErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeConn{connector: c, target: profile.TargetSerial}, nil
}

func (c *fakeConnector) Dials(target string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials[target]
}

func (c *fakeConnector) TotalDials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.dials {
		total += n
	}
	return total
}

func (c *fakeConnector) HighWater() int64 {
	return c.high.Load()
}

func (c *fakeConnector) Inflight() int64 {
	return c.inflight.Load()
}

// fakeConn interprets payloads:
//
//	"ok"               exit 0
//	"fail"             exit 1
//	"exit:<n>"         exit n
//	"slow"             20ms, then exit 0
//	"block"            holds until the context expires
//	"neterr"           transport-level error
//	"fail-if:<serial>" exit 1 only on the named target
type fakeConn struct {
	connector *fakeConnector
	target    string

	closed  atomic.Bool
	pingErr error
}

func (c *fakeConn) Run(ctx context.Context, payload string) (*transport.Result, error) {
	cur := c.connector.inflight.Add(1)
	for {
		high := c.connector.high.Load()
		if cur <= high || c.connector.high.CompareAndSwap(high, cur) {
			break
		}
	}
	defer c.connector.inflight.Add(-1)

	switch {
	case payload == "ok":
		return &transport.Result{ExitCode: 0, Output: []byte("done\n")}, nil

	case payload == "fail":
		return &transport.Result{ExitCode: 1, Output: []byte("boom\n")}, nil

	case strings.HasPrefix(payload, "exit:"):
		var code int
		fmt.Sscanf(payload, "exit:%d", &code)
		return &transport.Result{ExitCode: code}, nil

	case payload == "slow":
		select {
		case <-time.After(20 * time.Millisecond):
			return &transport.Result{ExitCode: 0}, nil
		case <-ctx.Done():
			return &transport.Result{Output: []byte("partial")}, ctx.Err()
		}

	case payload == "block":
		<-ctx.Done()
		return &transport.Result{Output: []byte("partial")}, ctx.Err()

	case payload == "neterr":
		return nil, errors.New("connection reset by peer")

	case strings.HasPrefix(payload, "fail-if:"):
		if strings.TrimPrefix(payload, "fail-if:") == c.target {
			return &transport.Result{ExitCode: 1, Output: []byte("boom\n")}, nil
		}
		return &transport.Result{ExitCode: 0}, nil

	default:
		return &transport.Result{ExitCode: 0}, nil
	}
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func testProfile(target string) transport.Profile {
	return transport.Profile{TargetSerial: target, Host: "127.0.0.1", Port: 22, User: "ops"}
}

// recorder collects published events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ByType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// seedBranchWork persists an execution with branches for the given targets and
// returns the matching BranchWork slice. Commands become the job's actions in
// order, shared by every branch.
func seedBranchWork(t *testing.T, st *store.Store, executionSerial string, targets []string, commands []string, policy BranchPolicy, concurrency int32) (*models.Execution, []BranchWork) {
	t.Helper()
	ctx := context.Background()

	actions := make([]models.JobAction, len(commands))
	for i, cmd := range commands {
		actions[i] = models.JobAction{
			Position: int32(i + 1),
			Name:     fmt.Sprintf("step %d", i+1),
			Command:  cmd,
		}
	}

	execution := &models.Execution{
		Serial:      executionSerial,
		JobSerial:   "J20250001",
		Status:      models.ExecutionPending,
		Concurrency: concurrency,
		TargetCount: int32(len(targets)),
	}

	branches := make([]models.Branch, len(targets))
	work := make([]BranchWork, len(targets))
	for i, target := range targets {
		branchSerial := fmt.Sprintf("%s.%04d", executionSerial, i+1)
		branches[i] = models.Branch{
			Serial:       branchSerial,
			TargetSerial: target,
			TargetName:   target,
			Status:       models.BranchPending,
		}
		work[i] = BranchWork{
			Serial:  branchSerial,
			Profile: testProfile(target),
			Actions: actions,
			Policy:  policy,
		}
	}

	require.NoError(t, st.CreateExecution(ctx, execution, branches))
	return execution, work
}
