package controlloop

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clocktesting "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
	"github.com/AdviseWell/meeting-bot-controller/internal/discovery"
	"github.com/AdviseWell/meeting-bot-controller/internal/docstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/fanout"
	"github.com/AdviseWell/meeting-bot-controller/internal/jobs"
	"github.com/AdviseWell/meeting-bot-controller/internal/launcher"
	"github.com/AdviseWell/meeting-bot-controller/internal/leaderlease"
	"github.com/AdviseWell/meeting-bot-controller/internal/lifecycle"
	"github.com/AdviseWell/meeting-bot-controller/internal/meeting"
	"github.com/AdviseWell/meeting-bot-controller/internal/objstore"
	"github.com/AdviseWell/meeting-bot-controller/internal/session"
)

var (
	ctx      = context.Background()
	baseTime = time.Date(2025, 11, 3, 15, 0, 0, 0, time.UTC)
)

const (
	meetURL  = "https://meet.example.com/abc-def-ghi"
	identity = "replica-1"
)

// harness wires every component of the controller over in-memory fakes
// and drives whole cycles the way production does.
type harness struct {
	cfg    config.Config
	store  *docstore.Memory
	bucket *objstore.MemoryBucket
	kube   client.Client
	clock  *clocktesting.FakeClock
	coord  *session.Coordinator
	loop   *Loop
}

func newHarness() *harness {
	cfg := config.Config{
		ProjectID:         "proj-1",
		Bucket:            "artifacts-bucket",
		FirestoreDatabase: "(default)",
		Namespace:         "meeting-bots",
		ManagerImage:      "gcr.io/proj-1/manager:v3",
		MeetingBotImage:   "gcr.io/proj-1/bot:v3",
		ScratchVolumeSize: "10Gi",
		ClaimTTL:          10 * time.Minute,
		MaxClaimPerPoll:   10,
		PollInterval:      10 * time.Second,
		WindowOffset:      450 * time.Second,
		WindowWidth:       60 * time.Second,
		OrphanGrace:       5 * time.Minute,
		MeetingsQueryMode: config.QueryModeCollectionGroup,
		MeetingStatuses:   []string{"scheduled"},
		AllowedDomains:    []string{"example.com", "zoom.us"},
		BotDisplayName:    "Meeting Bot",
	}

	scheme := runtime.NewScheme()
	Expect(batchv1.AddToScheme(scheme)).To(Succeed())
	Expect(corev1.AddToScheme(scheme)).To(Succeed())

	store := docstore.NewMemory()
	bucket := objstore.NewMemoryBucket()
	kube := fake.NewClientBuilder().WithScheme(scheme).Build()
	clk := clocktesting.NewFakeClock(baseTime)
	log := logr.Discard()
	coord := &session.Coordinator{Store: store, Log: log, Clock: clk, ClaimTTL: cfg.ClaimTTL}

	loop := &Loop{
		Lease:    &leaderlease.Lease{Store: store, Log: log, Clock: clk, Identity: identity, Duration: 30 * time.Second},
		Scanner:  discovery.New(store, kube, coord, cfg, log, clk),
		Launcher: launcher.New(store, kube, coord, cfg, log, identity),
		Tracker:  lifecycle.New(kube, coord, cfg, log, clk),
		Fanout:   fanout.New(store, bucket, coord, cfg, log, clk),
		Log:      log,
		Clock:    clk,
		Interval: cfg.PollInterval,
	}
	return &harness{cfg: cfg, store: store, bucket: bucket, kube: kube, clock: clk, coord: coord, loop: loop}
}

func (h *harness) cycle() {
	h.loop.RunCycle(ctx)
}

func (h *harness) seedMeeting(path string, overrides map[string]any) {
	data := map[string]any{
		"status":   meeting.StatusScheduled,
		"join_url": meetURL,
		"user_id":  "u1",
		"start":    h.clock.Now().Add(8 * time.Minute),
	}
	for k, v := range overrides {
		data[k] = v
	}
	h.store.Seed(path, data)
}

func (h *harness) doc(path string) docstore.Document {
	doc, err := h.store.Get(ctx, path)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return doc
}

func (h *harness) session(orgID, sessionID string) session.Session {
	s, err := h.coord.Get(ctx, orgID, sessionID)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return s
}

func (h *harness) subscribers(orgID, sessionID string) []session.Subscriber {
	subs, err := h.coord.Subscribers(ctx, orgID, sessionID)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return subs
}

func (h *harness) jobs() []batchv1.Job {
	var jl batchv1.JobList
	ExpectWithOffset(1, h.kube.List(ctx, &jl, client.InNamespace(h.cfg.Namespace))).To(Succeed())
	return jl.Items
}

// sessionPaths returns session document paths only, excluding the
// subscriber documents nested beneath them.
func (h *harness) sessionPaths(orgID string) []string {
	var out []string
	for _, p := range h.store.Paths("organizations/" + orgID + "/meeting_sessions/") {
		if strings.Count(p, "/") == 3 {
			out = append(out, p)
		}
	}
	return out
}

// finishWorker plays the worker sidecar and the cluster's TTL reaper:
// upload artifacts under the canonical prefix, flip the session to
// complete, and remove the finished Job (TTLSecondsAfterFinished would).
func (h *harness) finishWorker(orgID, sessionID string) {
	subs := h.subscribers(orgID, sessionID)
	ExpectWithOffset(1, subs).NotTo(BeEmpty())
	prefix := subs[0].ArtifactPrefix()

	h.bucket.Put(prefix+"recording.webm", []byte("webm-bytes"))
	h.bucket.Put(prefix+"transcript.txt", []byte("the minutes"))
	ExpectWithOffset(1, h.store.Set(ctx, session.Path(orgID, sessionID), map[string]any{
		"status": session.StatusComplete,
		"artifacts": map[string]any{
			"recording":  prefix + "recording.webm",
			"transcript": prefix + "transcript.txt",
		},
		"recording_url": prefix + "recording.webm",
	})).To(Succeed())

	for _, job := range h.jobs() {
		ExpectWithOffset(1, h.kube.Delete(ctx, &job)).To(Succeed())
	}
}

var _ = Describe("control loop", func() {
	var h *harness
	sid := dedup.SessionID("orgA", dedup.NormalizeURL(meetURL))

	BeforeEach(func() {
		h = newHarness()
	})

	It("takes a single-user meeting from schedule to delivered artifacts", func() {
		h.seedMeeting("organizations/orgA/meetings/m1", nil)

		h.cycle()

		s := h.session("orgA", sid)
		Expect(s.Status).To(Equal(session.StatusProcessing))
		Expect(s.ClaimedBy).To(Equal(identity))

		subs := h.subscribers("orgA", sid)
		Expect(subs).To(HaveLen(1))
		Expect(subs[0].UserID).To(Equal("u1"))

		created := h.jobs()
		Expect(created).To(HaveLen(1))
		Expect(created[0].Name).To(Equal(jobs.JobName(sid)))
		Expect(created[0].Labels).To(HaveKeyWithValue("app", "meeting-bot"))

		linked := h.doc("organizations/orgA/meetings/m1")
		Expect(meeting.StringField(linked.Data, "session_id")).To(Equal(sid))

		h.finishWorker("orgA", sid)
		h.cycle()

		s = h.session("orgA", sid)
		Expect(s.FanoutStatus).To(Equal(session.FanoutComplete))

		done := h.doc("organizations/orgA/meetings/m1")
		Expect(meeting.StringField(done.Data, "status")).To(Equal(meeting.StatusComplete))
		Expect(meeting.StringField(done.Data, "transcription")).To(Equal("the minutes"))
		Expect(meeting.StringMapField(done.Data, "artifacts")).To(HaveKeyWithValue(
			"recording", "recordings/u1/m1/recording.webm"))

		// Single subscriber: everything already sits at its prefix.
		Expect(h.bucket.CopyCount()).To(BeZero())
	})

	It("serves two users of one URL with a single session and a single job", func() {
		h.seedMeeting("organizations/orgA/meetings/m1", nil)
		h.seedMeeting("organizations/orgA/meetings/m2", map[string]any{"user_id": "u2"})

		h.cycle()

		Expect(h.sessionPaths("orgA")).To(HaveLen(1))
		subs := h.subscribers("orgA", sid)
		Expect(subs).To(HaveLen(2))
		Expect(h.jobs()).To(HaveLen(1))

		h.finishWorker("orgA", sid)
		h.cycle()

		for _, prefix := range []string{"recordings/u1/m1/", "recordings/u2/m2/"} {
			names, err := h.bucket.List(ctx, prefix)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(HaveLen(2), "expected artifacts under %s", prefix)
		}
		for _, path := range []string{"organizations/orgA/meetings/m1", "organizations/orgA/meetings/m2"} {
			doc := h.doc(path)
			Expect(meeting.StringField(doc.Data, "transcription")).To(Equal("the minutes"))
		}
	})

	It("folds equivalent URLs into one session id", func() {
		h.seedMeeting("organizations/orgA/meetings/m1", map[string]any{
			"join_url": "https://TEAMS.example.com/X?utm_source=a",
		})
		h.seedMeeting("organizations/orgA/meetings/m2", map[string]any{
			"join_url": "https://teams.example.com/X/",
			"user_id":  "u2",
		})

		h.cycle()

		Expect(h.sessionPaths("orgA")).To(HaveLen(1))
		m1 := h.doc("organizations/orgA/meetings/m1")
		m2 := h.doc("organizations/orgA/meetings/m2")
		Expect(meeting.StringField(m1.Data, "session_id")).NotTo(BeEmpty())
		Expect(meeting.StringField(m1.Data, "session_id")).To(Equal(
			meeting.StringField(m2.Data, "session_id")))
		Expect(h.jobs()).To(HaveLen(1))
	})

	It("re-queues a completed session for a new occurrence exactly once", func() {
		h.seedMeeting("organizations/orgA/meetings/m1", nil)
		h.cycle()
		h.finishWorker("orgA", sid)
		h.cycle()
		Expect(h.session("orgA", sid).FanoutStatus).To(Equal(session.FanoutComplete))

		// A week later the recurring meeting shows up again.
		h.clock.Step(7 * 24 * time.Hour)
		h.seedMeeting("organizations/orgA/meetings/m5", nil)
		h.cycle()

		s := h.session("orgA", sid)
		Expect(s.Status).To(Equal(session.StatusProcessing))
		Expect(s.PreviousStatus).To(Equal(session.StatusComplete))
		Expect(s.FanoutStatus).To(BeEmpty(), "requeue clears the previous fanout result")
		Expect(h.jobs()).To(HaveLen(1))

		subs := h.subscribers("orgA", sid)
		Expect(subs).To(HaveLen(1))
		Expect(subs[0].MeetingPath).To(Equal("organizations/orgA/meetings/m5"))

		// The linked meeting is skipped on the next pass: no second requeue.
		requeuedAt := s.RequeuedAt
		h.cycle()
		s = h.session("orgA", sid)
		Expect(s.Status).To(Equal(session.StatusProcessing))
		Expect(s.RequeuedAt).To(Equal(requeuedAt))
	})

	It("reports an orphaned session without mutating it", func() {
		h.store.Seed(session.Path("orgA", sid), map[string]any{
			"session_id":       sid,
			"org_id":           "orgA",
			"join_url":         dedup.NormalizeURL(meetURL),
			"status":           session.StatusClaimed,
			"claimed_by":       "replica-0",
			"claimed_at":       h.clock.Now().Add(-20 * time.Minute),
			"claim_expires_at": h.clock.Now().Add(-10 * time.Minute),
			"job_name":         jobs.JobName(sid),
		})

		before := h.doc(session.Path("orgA", sid)).Data
		h.cycle()
		Expect(h.doc(session.Path("orgA", sid)).Data).To(Equal(before))

		orphans, err := h.loop.Tracker.Track(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(orphans).To(HaveLen(1))
		Expect(orphans[0].Session.ID).To(Equal(sid))
		Expect(orphans[0].Age).To(BeNumerically(">=", 20*time.Minute))
	})

	It("subscribes same-org attendees during fanout", func() {
		h.seedMeeting("organizations/orgA/meetings/m1", map[string]any{
			"attendees": []any{"x@orga.com"},
		})
		h.store.Seed("users/ux", map[string]any{
			"email":           "x@orga.com",
			"organization_id": "orgA",
		})

		h.cycle()
		h.finishWorker("orgA", sid)
		h.cycle()

		subs := h.subscribers("orgA", sid)
		Expect(subs).To(HaveLen(2))
		attendee := subs[1]
		Expect(attendee.UserID).To(Equal("ux"))
		Expect(attendee.AddedVia).To(Equal(session.AddedAttendeeFanout))

		synthesized := h.doc(attendee.MeetingPath)
		Expect(meeting.StringField(synthesized.Data, "session_id")).To(Equal(sid))
		Expect(meeting.StringField(synthesized.Data, "transcription")).To(Equal("the minutes"))

		names, err := h.bucket.List(ctx, session.ArtifactPrefix("ux", attendee.MeetingID))
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(HaveLen(2))
	})

	It("does nothing while another replica holds the lease", func() {
		h.store.Seed(leaderlease.LeasePath, map[string]any{
			"leader_id":        "replica-2",
			"lease_expires_at": h.clock.Now().Add(30 * time.Second),
		})
		h.seedMeeting("organizations/orgA/meetings/m1", nil)

		h.cycle()
		Expect(h.sessionPaths("orgA")).To(BeEmpty())
		Expect(h.jobs()).To(BeEmpty())

		// The holder goes quiet; its lease lapses and we take over. The
		// meeting moved with the clock, so reseed one inside the window.
		h.clock.Step(time.Minute)
		h.seedMeeting("organizations/orgA/meetings/m9", map[string]any{"user_id": "u9"})
		h.cycle()
		Expect(h.sessionPaths("orgA")).To(HaveLen(1))
		Expect(h.jobs()).To(HaveLen(1))
	})
})
