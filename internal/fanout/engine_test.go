package fanout

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/meeting"
	"github.com/AdviseWell/meeting-bot-controller/internal/metrics"
	"github.com/AdviseWell/meeting-bot-controller/internal/objstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/session"
)

func TestMain(m *testing.M) {
	// Initialize metrics for tests
	_, err := metrics.InitOTLPExporter(context.Background())
	if err != nil {
		panic("Failed to initialize metrics: " + err.Error())
	}
	m.Run()
}

var testNow = time.Date(2025, 11, 3, 15, 0, 0, 0, time.UTC)

const joinURL = "https://zoom.us/j/42"

func testConfig() config.Config {
	return config.Config{
		ProjectID:         "proj-1",
		Bucket:            "artifacts-bucket",
		FirestoreDatabase: "(default)",
		Namespace:         "meeting-bots",
		MeetingsQueryMode: config.QueryModeCollectionGroup,
	}
}

func newEngine(t *testing.T, store *docstore.Memory, bucket *objstore.MemoryBucket, cfg config.Config) (*Engine, *session.Coordinator, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(testNow)
	coord := &session.Coordinator{Store: store, Log: logr.Discard(), Clock: clk, ClaimTTL: 10 * time.Minute}
	return New(store, bucket, coord, cfg, logr.Discard(), clk), coord, clk
}

func seedMeetingDoc(store *docstore.Memory, path string, overrides map[string]any) {
	data := map[string]any{
		"status":   meeting.StatusScheduled,
		"join_url": joinURL,
		"user_id":  "u1",
		"start":    testNow.Add(10 * time.Minute),
	}
	for k, v := range overrides {
		data[k] = v
	}
	store.Seed(path, data)
}

func subscribe(t *testing.T, coord *session.Coordinator, org, user, url, meetingPath string) session.EnsureResult {
	t.Helper()
	res, err := coord.Ensure(context.Background(), session.EnsureInput{
		OrgID: org, JoinURL: url, UserID: user, MeetingPath: meetingPath,
	})
	require.NoError(t, err)
	return res
}

// putArtifacts uploads the worker's outputs under the canonical prefix.
func putArtifacts(bucket *objstore.MemoryBucket, srcPrefix string) {
	bucket.Put(srcPrefix+"recording.webm", []byte("webm-bytes"))
	bucket.Put(srcPrefix+"transcript.txt", []byte("hello transcript"))
}

// completeSession flips a session to complete the way the worker sidecar
// does, with the manifest pointing at the canonical prefix.
func completeSession(t *testing.T, store *docstore.Memory, sessionPath, srcPrefix string) {
	t.Helper()
	err := store.Set(context.Background(), sessionPath, map[string]any{
		"status": session.StatusComplete,
		"artifacts": map[string]any{
			"recording":  srcPrefix + "recording.webm",
			"transcript": srcPrefix + "transcript.txt",
		},
		"recording_url": srcPrefix + "recording.webm",
	})
	require.NoError(t, err)
}

func mustGet(t *testing.T, store *docstore.Memory, path string) docstore.Document {
	t.Helper()
	doc, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	return doc
}

func TestFanoutCopiesToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", nil)
	seedMeetingDoc(store, "organizations/o1/meetings/m2", map[string]any{"user_id": "u2"})
	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	clk.Step(time.Second)
	subscribe(t, coord, "o1", "u2", joinURL, "organizations/o1/meetings/m2")

	putArtifacts(bucket, "recordings/u1/m1/")
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))

	names, err := bucket.List(ctx, "recordings/u2/m2/")
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.Equal(t, 2, bucket.CopyCount())

	canonical := mustGet(t, store, "organizations/o1/meetings/m1")
	assert.Equal(t, meeting.StatusComplete, meeting.StringField(canonical.Data, "status"))
	assert.Equal(t, "hello transcript", meeting.StringField(canonical.Data, "transcription"))
	assert.Equal(t, "recordings/u1/m1/recording.webm", meeting.StringField(canonical.Data, "recording_url"))
	assert.Equal(t, "recordings/u1/m1/recording.webm", meeting.StringMapField(canonical.Data, "artifacts")["recording"])
	assert.Equal(t, session.FanoutComplete, meeting.StringField(canonical.Data, "fanout_status"))

	copied := mustGet(t, store, "organizations/o1/meetings/m2")
	arts := meeting.StringMapField(copied.Data, "artifacts")
	assert.Equal(t, "recordings/u2/m2/recording.webm", arts["recording"])
	assert.Equal(t, "recordings/u2/m2/transcript.txt", arts["transcript"])
	assert.Equal(t, "hello transcript", meeting.StringField(copied.Data, "transcription"))
	assert.Contains(t, meeting.StringField(copied.Data, "recording_url"),
		"https://storage.example.com/recordings/u2/m2/recording.webm")

	sess := mustGet(t, store, res.SessionPath)
	assert.Equal(t, session.FanoutComplete, meeting.StringField(sess.Data, "fanout_status"))
	report, ok := sess.Data["fanout_report"].([]any)
	require.True(t, ok)
	require.Len(t, report, 2)
	for _, entry := range report {
		assert.Equal(t, "ok", entry.(map[string]any)["status"])
	}

	subs, err := coord.Subscribers(ctx, "o1", res.SessionID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, session.SubscriberComplete, sub.Status)
		assert.Equal(t, 2, sub.CopiedCount)
		assert.Equal(t, 2, sub.ExpectedCount)
	}
}

func TestFanoutSkipsBlobsAlreadyAtDestination(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", nil)
	seedMeetingDoc(store, "organizations/o1/meetings/m2", map[string]any{"user_id": "u2"})
	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	clk.Step(time.Second)
	subscribe(t, coord, "o1", "u2", joinURL, "organizations/o1/meetings/m2")

	putArtifacts(bucket, "recordings/u1/m1/")
	// Half-finished previous run: the recording already made it across.
	bucket.Put("recordings/u2/m2/recording.webm", []byte("webm-bytes"))
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))

	assert.Equal(t, 1, bucket.CopyCount())

	subs, err := coord.Subscribers(ctx, "o1", res.SessionID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, session.SubscriberComplete, subs[1].Status)
	assert.Equal(t, 2, subs[1].CopiedCount)

	// Terminal result: a rerun copies nothing more.
	require.NoError(t, e.Fanout(ctx))
	assert.Equal(t, 1, bucket.CopyCount())
}

func TestFanoutWaitsForSourceArtifacts(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", nil)
	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)

	// Uploads not visible yet: no terminal write, session stays eligible.
	require.NoError(t, e.Fanout(ctx))
	sess := mustGet(t, store, res.SessionPath)
	_, ok := sess.Data["fanout_status"]
	assert.False(t, ok)

	putArtifacts(bucket, "recordings/u1/m1/")
	require.NoError(t, e.Fanout(ctx))
	sess = mustGet(t, store, res.SessionPath)
	assert.Equal(t, session.FanoutComplete, meeting.StringField(sess.Data, "fanout_status"))
}

func TestFanoutWithoutTranscript(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", nil)
	seedMeetingDoc(store, "organizations/o1/meetings/m2", map[string]any{"user_id": "u2"})
	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	clk.Step(time.Second)
	subscribe(t, coord, "o1", "u2", joinURL, "organizations/o1/meetings/m2")

	bucket.Put("recordings/u1/m1/recording.webm", []byte("webm-bytes"))
	err := store.Set(ctx, res.SessionPath, map[string]any{
		"status":        session.StatusComplete,
		"artifacts":     map[string]any{"recording": "recordings/u1/m1/recording.webm"},
		"recording_url": "recordings/u1/m1/recording.webm",
	})
	require.NoError(t, err)
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))

	sess := mustGet(t, store, res.SessionPath)
	assert.Equal(t, session.FanoutComplete, meeting.StringField(sess.Data, "fanout_status"))

	copied := mustGet(t, store, "organizations/o1/meetings/m2")
	_, ok := copied.Data["transcription"]
	assert.False(t, ok)
	assert.Equal(t, "recordings/u2/m2/recording.webm",
		meeting.StringMapField(copied.Data, "artifacts")["recording"])
}

func TestFanoutPartialOnCopyFailure(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", nil)
	seedMeetingDoc(store, "organizations/o1/meetings/m2", map[string]any{"user_id": "u2"})
	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	clk.Step(time.Second)
	subscribe(t, coord, "o1", "u2", joinURL, "organizations/o1/meetings/m2")

	putArtifacts(bucket, "recordings/u1/m1/")
	bucket.FailCopyTo("recordings/u2/m2/recording.webm", assert.AnError)
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))

	sess := mustGet(t, store, res.SessionPath)
	assert.Equal(t, session.FanoutPartial, meeting.StringField(sess.Data, "fanout_status"))
	assert.NotEmpty(t, meeting.StringField(sess.Data, "fanout_last_error"))

	report, ok := sess.Data["fanout_report"].([]any)
	require.True(t, ok)
	require.Len(t, report, 2)
	assert.Equal(t, "ok", report[0].(map[string]any)["status"])
	assert.Equal(t, "error", report[1].(map[string]any)["status"])
	assert.Contains(t, report[1].(map[string]any)["error"], "1 of 2 artifacts present")

	subs, err := coord.Subscribers(ctx, "o1", res.SessionID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, session.SubscriberComplete, subs[0].Status)
	assert.Equal(t, session.SubscriberCopied, subs[1].Status)
	assert.Equal(t, 1, subs[1].CopiedCount)
	assert.Equal(t, 2, subs[1].ExpectedCount)
	assert.NotEmpty(t, subs[1].LastError)

	// The transcript still made it across.
	exists, err := bucket.Exists(ctx, "recordings/u2/m2/transcript.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	// Partial is terminal: the session is not picked up again.
	copies := bucket.CopyCount()
	require.NoError(t, e.Fanout(ctx))
	assert.Equal(t, copies, bucket.CopyCount())
}

func TestFanoutFailedSessionRetriesNextCycle(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	sid := dedup.SessionID("o1", dedup.NormalizeURL(joinURL))
	sessPath := session.Path("o1", sid)
	store.Seed(sessPath, map[string]any{
		"session_id": sid,
		"org_id":     "o1",
		"join_url":   dedup.NormalizeURL(joinURL),
		"status":     session.StatusComplete,
	})

	err := e.Fanout(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subscribers")

	sess := mustGet(t, store, sessPath)
	assert.Equal(t, session.FanoutFailed, meeting.StringField(sess.Data, "fanout_status"))
	assert.Contains(t, meeting.StringField(sess.Data, "fanout_last_error"), "no subscribers")

	// Someone repairs the session; the failed status does not pin it.
	seedMeetingDoc(store, "organizations/o1/meetings/m1", nil)
	_, err = coord.EnsureSubscriber(ctx, "o1", sid, "u1", "organizations/o1/meetings/m1", session.AddedDirect)
	require.NoError(t, err)
	putArtifacts(bucket, "recordings/u1/m1/")
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))
	sess = mustGet(t, store, sessPath)
	assert.Equal(t, session.FanoutComplete, meeting.StringField(sess.Data, "fanout_status"))
	assert.Empty(t, meeting.StringField(sess.Data, "fanout_last_error"))
}

func TestFanoutSubscribesAttendees(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", map[string]any{
		"attendees": []any{"u3@acme.com", "outsider@else.com"},
	})
	store.Seed("users/u3", map[string]any{"email": "u3@acme.com", "organization_id": "o1"})
	store.Seed("users/out1", map[string]any{"email": "outsider@else.com", "organization_id": "o2"})

	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	putArtifacts(bucket, "recordings/u1/m1/")
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))

	subs, err := coord.Subscribers(ctx, "o1", res.SessionID)
	require.NoError(t, err)
	require.Len(t, subs, 2, "same-org attendee joins, foreign attendee does not")
	attendee := subs[1]
	assert.Equal(t, "u3", attendee.UserID)
	assert.Equal(t, session.AddedAttendeeFanout, attendee.AddedVia)
	assert.True(t, strings.HasPrefix(attendee.MeetingPath, "organizations/o1/meetings/"))

	synth := mustGet(t, store, attendee.MeetingPath)
	assert.Equal(t, session.AddedAttendeeFanout, meeting.StringField(synth.Data, "source"))
	assert.Equal(t, res.SessionID, meeting.StringField(synth.Data, "session_id"))
	assert.Equal(t, "u3", meeting.StringField(synth.Data, "user_id"))
	assert.Equal(t, meeting.StatusComplete, meeting.StringField(synth.Data, "status"))
	assert.Equal(t, "hello transcript", meeting.StringField(synth.Data, "transcription"))

	prefix := session.ArtifactPrefix("u3", attendee.MeetingID)
	assert.Equal(t, prefix+"recording.webm",
		meeting.StringMapField(synth.Data, "artifacts")["recording"])
	names, err := bucket.List(ctx, prefix)
	require.NoError(t, err)
	assert.Len(t, names, 2)

	assert.Equal(t, session.SubscriberComplete, attendee.Status)
}

func TestFanoutAttendeeKeepsExistingMeeting(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	sid := dedup.SessionID("o1", dedup.NormalizeURL(joinURL))
	seedMeetingDoc(store, "organizations/o1/meetings/m1", map[string]any{
		"attendees": []any{"u3@acme.com"},
	})
	// The attendee's calendar sync already produced a linked document.
	seedMeetingDoc(store, "organizations/o1/meetings/m3", map[string]any{
		"user_id":    "u3",
		"session_id": sid,
	})
	store.Seed("users/u3", map[string]any{"email": "u3@acme.com", "organization_id": "o1"})

	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	require.Equal(t, sid, res.SessionID)
	putArtifacts(bucket, "recordings/u1/m1/")
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))

	subs, err := coord.Subscribers(ctx, "o1", sid)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "organizations/o1/meetings/m3", subs[1].MeetingPath)

	// No synthesized document appeared next to m1 and m3.
	assert.Len(t, store.Paths("organizations/o1/meetings/"), 2)
}

func TestFanoutUserLookupIsCached(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", map[string]any{
		"attendees": []any{"u3@acme.com"},
	})
	store.Seed("users/u3", map[string]any{"email": "u3@acme.com", "organization_id": "o1"})

	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	putArtifacts(bucket, "recordings/u1/m1/")
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)
	require.NoError(t, e.Fanout(ctx))

	// The user record changes email, but the lookup cache still resolves
	// the attendee for the next session inside the TTL.
	require.NoError(t, store.Set(ctx, "users/u3", map[string]any{"email": "moved@acme.com"}))

	otherURL := "https://zoom.us/j/43"
	seedMeetingDoc(store, "organizations/o1/meetings/m4", map[string]any{
		"join_url":  otherURL,
		"attendees": []any{"u3@acme.com"},
	})
	res2 := subscribe(t, coord, "o1", "u1", otherURL, "organizations/o1/meetings/m4")
	putArtifacts(bucket, "recordings/u1/m4/")
	completeSession(t, store, res2.SessionPath, "recordings/u1/m4/")
	clk.Step(time.Minute)
	require.NoError(t, e.Fanout(ctx))

	subs, err := coord.Subscribers(ctx, "o1", res2.SessionID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "u3", subs[1].UserID)
}

func TestFanoutSignedURLFallsBackToObjectPath(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, coord, clk := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", nil)
	seedMeetingDoc(store, "organizations/o1/meetings/m2", map[string]any{"user_id": "u2"})
	res := subscribe(t, coord, "o1", "u1", joinURL, "organizations/o1/meetings/m1")
	clk.Step(time.Second)
	subscribe(t, coord, "o1", "u2", joinURL, "organizations/o1/meetings/m2")

	putArtifacts(bucket, "recordings/u1/m1/")
	bucket.SetSignError(assert.AnError)
	completeSession(t, store, res.SessionPath, "recordings/u1/m1/")
	clk.Step(time.Minute)

	require.NoError(t, e.Fanout(ctx))

	copied := mustGet(t, store, "organizations/o1/meetings/m2")
	assert.Equal(t, "recordings/u2/m2/recording.webm",
		meeting.StringField(copied.Data, "recording_url"))
}

func TestMeetingFanoutCopiesToSiblings(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, _, _ := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", map[string]any{
		"status":     meeting.StatusComplete,
		"start":      testNow,
		"bot_status": meeting.BotComplete,
		"artifacts": map[string]any{
			"recording":  "recordings/u1/m1/recording.webm",
			"transcript": "recordings/u1/m1/transcript.txt",
		},
		"transcription": "typed live",
		"recording_url": "recordings/u1/m1/recording.webm",
	})
	seedMeetingDoc(store, "organizations/o1/meetings/m2", map[string]any{
		"user_id":  "u2",
		"join_url": joinURL + "?utm_source=calendar",
		"start":    testNow.Add(2 * time.Minute),
	})
	// Same window, wrong org.
	seedMeetingDoc(store, "organizations/o2/meetings/m3", map[string]any{
		"user_id": "u9",
		"start":   testNow,
	})
	// Same org and URL, outside the drift tolerance.
	seedMeetingDoc(store, "organizations/o1/meetings/m4", map[string]any{
		"user_id": "u3",
		"start":   testNow.Add(10 * time.Minute),
	})
	putArtifacts(bucket, "recordings/u1/m1/")

	require.NoError(t, e.Fanout(ctx))

	sibling := mustGet(t, store, "organizations/o1/meetings/m2")
	assert.Equal(t, meeting.StatusComplete, meeting.StringField(sibling.Data, "status"))
	assert.Equal(t, session.FanoutComplete, meeting.StringField(sibling.Data, "fanout_status"))
	assert.Equal(t, "typed live", meeting.StringField(sibling.Data, "transcription"))
	assert.Equal(t, "recordings/u2/m2/recording.webm",
		meeting.StringMapField(sibling.Data, "artifacts")["recording"])
	assert.Contains(t, meeting.StringField(sibling.Data, "recording_url"),
		"https://storage.example.com/recordings/u2/m2/recording.webm")

	names, err := bucket.List(ctx, "recordings/u2/m2/")
	require.NoError(t, err)
	assert.Len(t, names, 2)

	src := mustGet(t, store, "organizations/o1/meetings/m1")
	assert.Equal(t, session.FanoutComplete, meeting.StringField(src.Data, "fanout_status"))
	assert.Equal(t, 2, src.Data["fanout_copied"])
	assert.NotNil(t, src.Data["fanout_completed_at"])

	for _, path := range []string{"organizations/o2/meetings/m3", "organizations/o1/meetings/m4"} {
		doc := mustGet(t, store, path)
		_, ok := doc.Data["fanout_status"]
		assert.False(t, ok, "%s must not be touched", path)
	}

	// Source is terminal: a rerun copies nothing more.
	copies := bucket.CopyCount()
	require.NoError(t, e.Fanout(ctx))
	assert.Equal(t, copies, bucket.CopyCount())
}

func TestMeetingFanoutSkipsSessionLinkedMeetings(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, _, _ := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m9", map[string]any{
		"bot_status": meeting.BotComplete,
		"session_id": "deadbeef",
		"start":      testNow,
	})
	putArtifacts(bucket, "recordings/u1/m9/")

	require.NoError(t, e.Fanout(ctx))

	doc := mustGet(t, store, "organizations/o1/meetings/m9")
	_, ok := doc.Data["fanout_status"]
	assert.False(t, ok, "session-linked meetings belong to the session pipeline")
	assert.Equal(t, 0, bucket.CopyCount())
}

func TestMeetingFanoutMatchesStringEncodedStart(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, _, _ := newEngine(t, store, bucket, testConfig())

	seedMeetingDoc(store, "organizations/o1/meetings/m1", map[string]any{
		"status":     meeting.StatusComplete,
		"start":      testNow,
		"bot_status": meeting.BotComplete,
	})
	seedMeetingDoc(store, "organizations/o1/meetings/m2", map[string]any{
		"user_id": "u2",
		"start":   testNow.Add(2 * time.Minute).Format(time.RFC3339),
	})
	putArtifacts(bucket, "recordings/u1/m1/")

	require.NoError(t, e.Fanout(ctx))

	sibling := mustGet(t, store, "organizations/o1/meetings/m2")
	assert.Equal(t, session.FanoutComplete, meeting.StringField(sibling.Data, "fanout_status"))
	names, err := bucket.List(ctx, "recordings/u2/m2/")
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestMeetingFanoutCollectionMode(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	cfg := testConfig()
	cfg.MeetingsQueryMode = config.QueryModeCollection
	cfg.MeetingsCollectionPath = "calendar_meetings"
	e, _, _ := newEngine(t, store, bucket, cfg)

	seedMeetingDoc(store, "calendar_meetings/m1", map[string]any{
		"organization_id": "o1",
		"status":          meeting.StatusComplete,
		"start":           testNow,
		"bot_status":      meeting.BotComplete,
	})
	seedMeetingDoc(store, "calendar_meetings/m2", map[string]any{
		"organization_id": "o1",
		"user_id":         "u2",
		"start":           testNow.Add(time.Minute),
	})
	putArtifacts(bucket, "recordings/u1/m1/")

	require.NoError(t, e.Fanout(ctx))

	sibling := mustGet(t, store, "calendar_meetings/m2")
	assert.Equal(t, session.FanoutComplete, meeting.StringField(sibling.Data, "fanout_status"))
	assert.Equal(t, "recordings/u2/m2/recording.webm",
		meeting.StringMapField(sibling.Data, "artifacts")["recording.webm"])
}

func TestFanoutPropagatesStoreErrors(t *testing.T) {
	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	e, _, _ := newEngine(t, store, bucket, testConfig())

	store.SetError(assert.AnError)
	err := e.Fanout(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
