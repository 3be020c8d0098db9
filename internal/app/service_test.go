package service_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	service "github.com/flockoff/validator/internal/app"
	"github.com/flockoff/validator/internal/adapters/repository"
	"github.com/flockoff/validator/internal/adapters/trainer"
	"github.com/flockoff/validator/internal/domain/dedupe"
	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/internal/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

const (
	evalNamespace = "flock-io/eval"
	evalRevision  = "main"
	competitionID = "1"
	nextEpoch     = 2000
	farBlock      = 1000
	nearBlock     = 1960
)

var competition = model.Competition{
	ID:            competitionID,
	Bench:         0.16,
	MinBench:      0.14,
	MaxBench:      0.2,
	BenchHeight:   0.16,
	Power:         2,
	Rows:          250,
	EvalNamespace: evalNamespace,
	EvalRevision:  evalRevision,
}

type harness struct {
	ctx     context.Context
	dir     string
	dbPath  string
	store   *repository.SQLiteStore
	chain   *testutil.Chain
	fetcher *testutil.Fetcher
	engine  *testutil.Engine
}

func row(i int) string {
	return fmt.Sprintf(`{"instruction":"q%d","output":"a%d"}`, i, i)
}

func rows(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, row(i))
	}
	return out
}

// newHarness registers four participants:
//
//	uid 0: original dataset, loss 0.15
//	uid 1: copy of uid 0 submitted later
//	uid 2: distinct dataset, loss 0.17
//	uid 3: no submission
func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	h := &harness{
		ctx:     context.Background(),
		dir:     dir,
		dbPath:  filepath.Join(dir, "scores.db"),
		chain:   testutil.NewChain(farBlock, nextEpoch),
		fetcher: testutil.NewFetcher(),
		engine:  testutil.NewEngine(),
	}
	h.openStore(t)

	h.chain.SetParticipants(
		model.Participant{UID: 0, Hotkey: "h0", Coldkey: "c0"},
		model.Participant{UID: 1, Hotkey: "h1", Coldkey: "c1"},
		model.Participant{UID: 2, Hotkey: "h2", Coldkey: "c2"},
		model.Participant{UID: 3, Hotkey: "h3", Coldkey: "c3"},
	)
	h.chain.SetMetadata("h0", model.Metadata{Namespace: "alice/data", Revision: "r1", CompetitionID: competitionID, Block: 10, Timestamp: 100})
	h.chain.SetMetadata("h1", model.Metadata{Namespace: "bob/data", Revision: "r1", CompetitionID: competitionID, Block: 20, Timestamp: 200})
	h.chain.SetMetadata("h2", model.Metadata{Namespace: "carol/data", Revision: "r1", CompetitionID: competitionID, Block: 30, Timestamp: 300})

	h.fetcher.Put(evalNamespace, evalRevision, rows(0, 40)...)
	h.fetcher.Put("alice/data", "r1", rows(0, 5)...)
	h.fetcher.Put("bob/data", "r1", rows(0, 5)...)
	h.fetcher.Put("carol/data", "r1", rows(10, 15)...)

	h.engine.SetLoss("miner_0", 0.15)
	h.engine.SetLoss("miner_1", 0.14)
	h.engine.SetLoss("miner_2", 0.17)
	return h
}

func (h *harness) openStore(t *testing.T) {
	s, err := repository.Open(h.ctx, h.dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h.store = s
}

func (h *harness) service(t *testing.T, opts ...service.Option) *service.Service {
	base := []service.Option{
		service.WithCompetition(competition),
		service.WithDirs(filepath.Join(h.dir, "cache"), filepath.Join(h.dir, "data"), filepath.Join(h.dir, "eval")),
		service.WithDetector(dedupe.NewDetector(dedupe.WithThreshold(2))),
		service.WithForceRefreshProbability(0),
		service.WithRand(rand.New(rand.NewPCG(1, 2))),
		service.WithClock(func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }),
	}
	svc, err := service.New(service.Dependencies{
		Store:   h.store,
		Chain:   h.chain,
		Fetcher: h.fetcher,
		Engine:  h.engine,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(h.ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	return svc
}

func (h *harness) weights(t *testing.T) []float64 {
	w, err := h.store.GetAllNormalizedScores(h.ctx, []int{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("read weights: %v", err)
	}
	return w
}

func (h *harness) raw(t *testing.T, uid int) float64 {
	v, err := h.store.GetRawScore(h.ctx, uid)
	if err != nil || !v.Valid {
		t.Fatalf("raw score uid %d: %v", uid, err)
	}
	return v.Value
}

func TestService_New(t *testing.T) {
	Convey("Given missing dependencies", t, func() {
		_, err := service.New(service.Dependencies{})

		Convey("Then construction should fail", func() {
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a service that was never started", t, func() {
		h := newHarness(t)
		svc, err := service.New(service.Dependencies{Store: h.store, Chain: h.chain, Fetcher: h.fetcher, Engine: h.engine})
		So(err, ShouldBeNil)

		Convey("Then Run should refuse to loop", func() {
			So(svc.Run(h.ctx), ShouldEqual, service.ErrNotStarted)
		})
	})
}

func TestService_ScoringCycle(t *testing.T) {
	Convey("Given a validator far from the epoch boundary", t, func() {
		h := newHarness(t)
		svc := h.service(t)

		Convey("When a cycle runs", func() {
			err := svc.RunStep(h.ctx)
			So(err, ShouldBeNil)
			w := h.weights(t)

			Convey("Then the original dataset is trained and weighted", func() {
				So(h.raw(t, 0), ShouldAlmostEqual, 0.15)
				So(w[0], ShouldAlmostEqual, 0.37, 1e-9)
			})

			Convey("And the later copy is disqualified without training", func() {
				So(h.raw(t, 1), ShouldEqual, model.DefaultRawScore)
				So(w[1], ShouldEqual, 0)
				for _, call := range h.engine.Calls() {
					So(filepath.Base(call.DatasetDir), ShouldNotEqual, "miner_1")
				}
			})

			Convey("And the distinct dataset is scored lower", func() {
				So(w[2], ShouldAlmostEqual, 0.15, 1e-9)
				So(w[2], ShouldBeLessThan, w[0])
			})

			Convey("And a participant without metadata keeps its weight", func() {
				So(h.raw(t, 3), ShouldEqual, model.DefaultRawScore)
				So(w[3], ShouldAlmostEqual, model.InitialNormalizedScore)
			})

			Convey("And no commit is issued while the gate is closed", func() {
				So(h.chain.Commits(), ShouldBeEmpty)
				So(svc.Status().LastSubmittedEpoch, ShouldBeNil)
			})

			Convey("And every training run shares one seed", func() {
				calls := h.engine.Calls()
				So(len(calls), ShouldEqual, 2)
				So(calls[0].Seed, ShouldEqual, calls[1].Seed)
				So(calls[0].Benchmark, ShouldEqual, competition.Bench)
			})

			Convey("And the day's winners are computed from recorded losses", func() {
				winners, err := svc.Winners(h.ctx, "")
				So(err, ShouldBeNil)
				So(winners, ShouldResemble, []int{0})
			})

			Convey("And the status reports the finished cycle", func() {
				st := svc.Status()
				So(st.Phase, ShouldEqual, service.PhaseIdle)
				So(st.LastCycle, ShouldNotBeNil)
				So(st.LastCycle.Evaluated, ShouldEqual, 2)
				So(st.LastCycle.Err, ShouldBeEmpty)
			})
		})

		Convey("When a second cycle sees unchanged revisions", func() {
			So(svc.RunStep(h.ctx), ShouldBeNil)
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then stored scores are reused instead of retraining", func() {
				So(len(h.engine.Calls()), ShouldEqual, 2)
				So(h.raw(t, 0), ShouldAlmostEqual, 0.15)
			})
		})

		Convey("When the original dataset only becomes available after its copy was scored", func() {
			h.chain.SetMetadata("h0", model.Metadata{Namespace: "alice/data", Revision: "r0", CompetitionID: competitionID, Block: 10, Timestamp: 100})
			So(svc.RunStep(h.ctx), ShouldBeNil)
			So(h.raw(t, 1), ShouldAlmostEqual, 0.14)

			h.chain.SetMetadata("h0", model.Metadata{Namespace: "alice/data", Revision: "r1", CompetitionID: competitionID, Block: 10, Timestamp: 100})
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then the copy loses its score and its place among the winners", func() {
				So(h.raw(t, 0), ShouldAlmostEqual, 0.15)
				So(h.raw(t, 1), ShouldEqual, model.DefaultRawScore)
				winners, err := svc.Winners(h.ctx, "")
				So(err, ShouldBeNil)
				So(winners, ShouldResemble, []int{0})

				subs, err := h.store.GetCompetitionSubmissions(h.ctx, svc.CompetitionDay())
				So(err, ShouldBeNil)
				So(subs[1].Loss.Valid, ShouldBeFalse)
				So(subs[1].Eligible, ShouldBeFalse)
			})
		})

		Convey("When a participant publishes a new revision", func() {
			So(svc.RunStep(h.ctx), ShouldBeNil)
			h.chain.SetMetadata("h2", model.Metadata{Namespace: "carol/data", Revision: "r2", CompetitionID: competitionID, Block: 40, Timestamp: 400})
			h.fetcher.Put("carol/data", "r2", rows(20, 25)...)
			h.engine.SetLoss("miner_2", 0.13)
			// The cached r1 file would otherwise be reused.
			svc = h.service(t, service.WithForceRefreshProbability(1))
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then it is retrained", func() {
				So(len(h.engine.Calls()), ShouldEqual, 3)
				So(h.raw(t, 2), ShouldAlmostEqual, 0.13)
				So(h.weights(t)[2], ShouldEqual, 1)
			})
		})
	})
}

func TestService_Failures(t *testing.T) {
	Convey("Given a validator with a faulty participant", t, func() {
		h := newHarness(t)

		Convey("When training fails for one dataset", func() {
			h.engine.SetError("miner_2", fmt.Errorf("%w: exit status 1", trainer.ErrTraining))
			svc := h.service(t)
			err := svc.RunStep(h.ctx)

			Convey("Then the cycle completes and the participant gets the default score", func() {
				So(err, ShouldBeNil)
				So(h.raw(t, 2), ShouldEqual, model.DefaultRawScore)
				So(h.weights(t)[2], ShouldEqual, 0)
				So(h.raw(t, 0), ShouldAlmostEqual, 0.15)
			})
		})

		Convey("When the accelerator faults", func() {
			h.engine.SetError("miner_0", fmt.Errorf("%w: CUDA error: out of memory", trainer.ErrFatal))
			svc := h.service(t)
			err := svc.RunStep(h.ctx)

			Convey("Then the error is terminal", func() {
				So(errors.Is(err, service.ErrTrainingFatal), ShouldBeTrue)
				So(service.IsTerminal(err), ShouldBeTrue)
				So(svc.Status().LastCycle.Err, ShouldNotBeEmpty)
			})
		})

		Convey("When a dataset contains rows outside the evaluation set", func() {
			h.fetcher.Put("carol/data", "r1", append(rows(10, 14), `{"instruction":"x","output":"y"}`)...)
			svc := h.service(t)
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then it is rejected without training", func() {
				So(h.raw(t, 2), ShouldEqual, model.DefaultRawScore)
				So(len(h.engine.Calls()), ShouldEqual, 1)
			})
		})

		Convey("When a dataset cannot be downloaded", func() {
			h.chain.SetMetadata("h2", model.Metadata{Namespace: "gone/data", Revision: "r1", CompetitionID: competitionID, Block: 30, Timestamp: 300})
			svc := h.service(t)
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then the participant gets the default score", func() {
				So(h.raw(t, 2), ShouldEqual, model.DefaultRawScore)
				So(h.weights(t)[2], ShouldEqual, 0)
			})
		})

		Convey("When a participant submits for another competition", func() {
			h.chain.SetMetadata("h2", model.Metadata{Namespace: "carol/data", Revision: "r1", CompetitionID: "7", Block: 30, Timestamp: 300})
			svc := h.service(t)
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then its loss is stored but earns no weight", func() {
				So(h.raw(t, 2), ShouldAlmostEqual, 0.17)
				So(h.weights(t)[2], ShouldEqual, 0)
			})
		})

		Convey("When the metagraph is unavailable", func() {
			h.chain.FailMetagraph(errors.New("connection refused"))
			svc := h.service(t)

			Convey("Then the cycle is skipped without error", func() {
				So(svc.RunStep(h.ctx), ShouldBeNil)
				So(h.engine.Calls(), ShouldBeEmpty)
			})
		})
	})
}

func TestService_CommitReveal(t *testing.T) {
	Convey("Given a validator inside the commit window", t, func() {
		h := newHarness(t)
		h.chain.SetBlock(nearBlock)
		svc := h.service(t)

		Convey("When a cycle runs", func() {
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then evaluation stops at the gate and weights are committed", func() {
				So(h.engine.Calls(), ShouldBeEmpty)
				commits := h.chain.Commits()
				So(len(commits), ShouldEqual, 1)
				So(commits[0].UIDs, ShouldResemble, []int{0, 1, 2, 3})
				So(len(commits[0].Salt), ShouldEqual, 8)
			})

			Convey("And the pending reveal is persisted with its epoch", func() {
				st, err := h.store.LoadState(h.ctx)
				So(err, ShouldBeNil)
				So(st.Pending, ShouldNotBeNil)
				So(st.Pending.Epoch, ShouldEqual, nextEpoch)
				So(st.LastSubmittedEpoch, ShouldResemble, model.Some(uint64(nextEpoch)))
				So(*svc.Status().LastSubmittedEpoch, ShouldEqual, nextEpoch)
			})

			Convey("And the next cycle reveals it without committing again", func() {
				So(svc.RunStep(h.ctx), ShouldBeNil)
				reveals := h.chain.Reveals()
				So(len(reveals), ShouldEqual, 1)
				So(reveals[0].Salt, ShouldResemble, h.chain.Commits()[0].Salt)
				So(len(h.chain.Commits()), ShouldEqual, 1)
				So(svc.Status().PendingReveal, ShouldBeNil)
			})

			Convey("And a failed reveal stays pending and is retried", func() {
				h.chain.RejectReveals("reveal window not open")
				So(svc.RunStep(h.ctx), ShouldBeNil)

				st, err := h.store.LoadState(h.ctx)
				So(err, ShouldBeNil)
				So(st.Pending, ShouldNotBeNil)
				So(st.Pending.Attempts, ShouldEqual, 1)

				h.chain.RejectReveals("")
				So(svc.RunStep(h.ctx), ShouldBeNil)
				So(len(h.chain.Reveals()), ShouldEqual, 2)
				So(svc.Status().PendingReveal, ShouldBeNil)
			})

			Convey("And the next epoch opens the gate again once revealed", func() {
				So(svc.RunStep(h.ctx), ShouldBeNil)
				h.chain.SetNextEpoch(nextEpoch + 360)
				h.chain.SetBlock(nextEpoch + 330)
				So(svc.RunStep(h.ctx), ShouldBeNil)
				So(len(h.chain.Commits()), ShouldEqual, 2)
				So(*svc.Status().LastSubmittedEpoch, ShouldEqual, nextEpoch+360)
			})
		})

		Convey("When the ledger rejects the commit", func() {
			h.chain.RejectCommits("too many requests")
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then no state advances", func() {
				st, err := h.store.LoadState(h.ctx)
				So(err, ShouldBeNil)
				So(st.Pending, ShouldBeNil)
				So(st.LastSubmittedEpoch.Valid, ShouldBeFalse)
				So(svc.Status().LastCycle.Committed, ShouldBeFalse)
			})

			Convey("And the next cycle retries the same epoch", func() {
				h.chain.RejectCommits("")
				So(svc.RunStep(h.ctx), ShouldBeNil)
				So(len(h.chain.Commits()), ShouldEqual, 2)
				So(*svc.Status().LastSubmittedEpoch, ShouldEqual, nextEpoch)
			})
		})

		Convey("When the validator restarts with a pending reveal", func() {
			So(svc.RunStep(h.ctx), ShouldBeNil)
			So(h.store.Close(), ShouldBeNil)
			h.openStore(t)
			restarted := h.service(t)

			Convey("Then the reveal resumes without a new commit", func() {
				So(restarted.Status().PendingReveal, ShouldNotBeNil)
				So(restarted.RunStep(h.ctx), ShouldBeNil)
				So(len(h.chain.Reveals()), ShouldEqual, 1)
				So(len(h.chain.Commits()), ShouldEqual, 1)
				So(restarted.Status().PendingReveal, ShouldBeNil)
			})
		})

		Convey("When reveals keep failing past the attempt limit", func() {
			svc = h.service(t, service.WithMaxRevealAttempts(2))
			So(svc.RunStep(h.ctx), ShouldBeNil)
			h.chain.RejectReveals("bad salt")
			So(svc.RunStep(h.ctx), ShouldBeNil)
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then the reveal is abandoned", func() {
				So(len(h.chain.Reveals()), ShouldEqual, 2)
				So(svc.Status().PendingReveal, ShouldBeNil)
				st, err := h.store.LoadState(h.ctx)
				So(err, ShouldBeNil)
				So(st.Pending, ShouldBeNil)
			})
		})
	})

	Convey("Given the gate opens during evaluation", t, func() {
		h := newHarness(t)
		h.engine.OnEvaluate(func(trainer.Request) { h.chain.SetBlock(nearBlock) })
		svc := h.service(t)

		Convey("When a cycle runs", func() {
			So(svc.RunStep(h.ctx), ShouldBeNil)

			Convey("Then evaluation stops after the first run and the cycle commits", func() {
				So(len(h.engine.Calls()), ShouldEqual, 1)
				So(len(h.chain.Commits()), ShouldEqual, 1)
			})

			Convey("And only the untrained candidate counts as interrupted", func() {
				// uid 1 is disqualified and uid 3 has no submission.
				So(svc.Status().LastCycle.Interrupted, ShouldEqual, 1)
			})
		})
	})
}

func TestService_Run(t *testing.T) {
	Convey("Given a started validator", t, func() {
		h := newHarness(t)
		svc := h.service(t, service.WithLoopInterval(10*time.Millisecond))

		Convey("When Run is shut down", func() {
			errc := make(chan error, 1)
			go func() { errc <- svc.Run(h.ctx) }()
			time.Sleep(50 * time.Millisecond)

			ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
			defer cancel()
			So(svc.Shutdown(ctx), ShouldBeNil)

			Convey("Then the loop exits cleanly", func() {
				So(<-errc, ShouldBeNil)
				So(svc.Status().Phase, ShouldEqual, service.PhaseStopped)
			})
		})

		Convey("When a cycle hits a terminal error", func() {
			h.engine.SetError("miner_0", fmt.Errorf("%w: CUDA error", trainer.ErrFatal))
			err := svc.Run(h.ctx)

			Convey("Then Run returns it", func() {
				So(service.IsTerminal(err), ShouldBeTrue)
			})
		})
	})
}

func TestService_Startup(t *testing.T) {
	Convey("Given stored raw scores", t, func() {
		h := newHarness(t)
		So(h.store.InsertOrResetUID(h.ctx, 0, "h0", model.DefaultRawScore, model.InitialNormalizedScore), ShouldBeNil)
		So(h.store.UpdateRawScore(h.ctx, 0, 0.15), ShouldBeNil)
		So(h.store.InsertOrResetUID(h.ctx, 1, "h1", model.DefaultRawScore, model.InitialNormalizedScore), ShouldBeNil)

		Convey("When the validator starts", func() {
			h.service(t)
			w := h.weights(t)

			Convey("Then weights are recomputed from raw scores", func() {
				So(w[0], ShouldAlmostEqual, 0.37, 1e-9)
				So(w[1], ShouldEqual, 0)
			})
		})
	})
}
