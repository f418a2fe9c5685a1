package sqlite

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tsweb"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/testutil"
	"github.com/banshee-data/eventcam.bridge/internal/timeutil"
)

func openTestStore(t *testing.T, storeEvents bool) (*Store, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), Options{StoreEvents: storeEvents, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testMeta() SessionMeta {
	return SessionMeta{
		Geometry:      eventcam.Geometry{Width: 1280, Height: 780},
		Layout:        eventcam.DefaultLayout(),
		FrameInterval: 200 * time.Microsecond,
		Protocol:      "udp",
		SourceAddress: "0.0.0.0:5000",
	}
}

func TestOpen_MigratesToLatest(t *testing.T) {
	s, _ := openTestStore(t, false)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	assert.False(t, dirty)

	var journal string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = s.StartSession(context.Background(), testMeta())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	sessions, err := s.Sessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestMigrateDownAndUp(t *testing.T) {
	s, _ := openTestStore(t, false)
	require.NoError(t, s.MigrateDown())
	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	require.NoError(t, s.MigrateUp())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
}

func TestSessionLifecycle(t *testing.T) {
	s, clock := openTestStore(t, false)
	ctx := context.Background()

	id, err := s.StartSession(ctx, testMeta())
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, s.SessionID())

	clock.Advance(time.Minute)
	require.NoError(t, s.EndSession(ctx))
	assert.Empty(t, s.SessionID())
	assert.ErrorIs(t, s.EndSession(ctx), ErrNoSession)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	got := sessions[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, 1280, got.Width)
	assert.Equal(t, 780, got.Height)
	assert.Equal(t, "lsb/pos,neg/row-major", got.Layout)
	assert.Equal(t, 200*time.Microsecond, got.FrameInterval)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, time.Minute, got.EndedAt.Sub(got.StartedAt))
}

func TestWriteEvents_RequiresSession(t *testing.T) {
	s, _ := openTestStore(t, true)
	assert.ErrorIs(t, s.WriteEvents(0, nil), ErrNoSession)
}

func TestWriteEvents_SummaryAndRows(t *testing.T) {
	s, _ := openTestStore(t, true)
	ctx := context.Background()
	id, err := s.StartSession(ctx, testMeta())
	require.NoError(t, err)

	frame0 := []eventcam.Event{
		{Timestamp: 0, X: 1, Y: 2, Polarity: true},
		{Timestamp: 0, X: 1279, Y: 779, Polarity: true},
		{Timestamp: 0, X: 3, Y: 4, Polarity: false},
	}
	require.NoError(t, s.WriteEvents(0, frame0))
	require.NoError(t, s.WriteEvents(1, nil))

	frames, err := s.Frames(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 2, frames[0].PositiveEvents)
	assert.Equal(t, 1, frames[0].NegativeEvents)
	assert.EqualValues(t, 1, frames[1].FrameIndex)
	assert.Zero(t, frames[1].PositiveEvents)

	limited, err := s.Frames(ctx, id, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	events, err := s.Events(ctx, id, 0)
	require.NoError(t, err)
	if diff := cmp.Diff(frame0, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteEvents_SummaryOnly(t *testing.T) {
	s, _ := openTestStore(t, false)
	ctx := context.Background()
	id, err := s.StartSession(ctx, testMeta())
	require.NoError(t, err)

	require.NoError(t, s.WriteEvents(5, []eventcam.Event{{Timestamp: 1000, X: 1, Y: 1, Polarity: true}}))
	frames, err := s.Frames(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 1000, frames[0].TimestampUS)

	events, err := s.Events(ctx, id, 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWriteEvents_EmptyFrameTimestamp(t *testing.T) {
	s, _ := openTestStore(t, true)
	ctx := context.Background()
	id, err := s.StartSession(ctx, testMeta())
	require.NoError(t, err)

	require.NoError(t, s.WriteEvents(5, nil))
	require.NoError(t, s.WriteEvents(6, []eventcam.Event{}))

	frames, err := s.Frames(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.EqualValues(t, 5, frames[0].FrameIndex)
	assert.EqualValues(t, 1000, frames[0].TimestampUS)
	assert.EqualValues(t, 1200, frames[1].TimestampUS)
	assert.Zero(t, frames[0].PositiveEvents+frames[0].NegativeEvents)
}

func TestWriteEvents_DuplicateFrameRollsBack(t *testing.T) {
	s, _ := openTestStore(t, true)
	ctx := context.Background()
	id, err := s.StartSession(ctx, testMeta())
	require.NoError(t, err)

	require.NoError(t, s.WriteEvents(0, []eventcam.Event{{X: 1}}))
	assert.Error(t, s.WriteEvents(0, []eventcam.Event{{X: 2}}))

	events, err := s.Events(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAdminRoutes(t *testing.T) {
	s, _ := openTestStore(t, true)
	_, err := s.StartSession(context.Background(), testMeta())
	require.NoError(t, err)

	mux := http.NewServeMux()
	s.AttachAdminRoutes(tsweb.Debugger(mux))

	req := testutil.NewLoopbackRequest(http.MethodGet, "/debug/backup")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "backup-1700000000.db.gz")

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, len(data) > 16 && string(data[:15]) == "SQLite format 3")

	req = testutil.NewLoopbackRequest(http.MethodGet, "/debug/")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "tailsql")
}
