package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options on a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithRegisterer(registry))

			Convey("Then it should be created successfully", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "flock")
				So(manager.subsystem, ShouldEqual, "validator")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithName("test", "unit"),
				WithDurationBuckets([]float64{0.1, 0.5, 1.0}),
				WithTrainingBuckets([]float64{1, 10, 100}),
				WithConstLabels(map[string]string{"netuid": "96"}),
				WithRegisterer(registry),
			)
			manager.commits.WithLabelValues(string(ResultSuccess)).Inc()

			Convey("Then metric names carry the namespace and const labels", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				var found bool
				for _, f := range families {
					if f.GetName() == "test_unit_commits_total" {
						found = true
						So(f.GetMetric()[0].GetLabel(), ShouldNotBeEmpty)
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When empty options are given", func() {
			manager := NewManager(
				WithName("", ""),
				WithDurationBuckets(nil),
				WithConstLabels(nil),
				WithRegisterer(prometheus.NewRegistry()),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "flock")
				So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When recording commit-reveal metrics", func() {
			before := testutil.ToFloat64(globalManager.commits.WithLabelValues(string(ResultFailure)))
			RecordCommit(ResultFailure)
			RecordReveal(ResultSuccess)
			UpdatePendingReveal(true)
			UpdateLastSubmittedEpoch(7200)

			Convey("Then the values are visible", func() {
				So(testutil.ToFloat64(globalManager.commits.WithLabelValues(string(ResultFailure))), ShouldEqual, before+1)
				So(testutil.ToFloat64(globalManager.pendingReveal), ShouldEqual, 1)
				So(testutil.ToFloat64(globalManager.lastSubmittedEpoch), ShouldEqual, 7200)
			})

			UpdatePendingReveal(false)
			So(testutil.ToFloat64(globalManager.pendingReveal), ShouldEqual, 0)
		})

		Convey("When recording evaluation metrics", func() {
			So(func() {
				RecordCycle(ResultSuccess, 12.5)
				UpdateParticipants(32)
				RecordEvaluation(OutcomeScored)
				RecordEvaluation(OutcomeDuplicate)
				RecordTrainingLatency(3.2)
				RecordDuplicateGroups(1, 2)
				UpdateBlocksToEpoch(40)
				RecordStoreLatency("update_raw_score", 0.001)
				RecordHTTPRequest("/status", "GET", "200")
				RecordHTTPRequestDuration("/status", "GET", "200", 1.5)
			}, ShouldNotPanic)

			Convey("Then the registry exposes them", func() {
				families, err := GetRegistry().Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				joined := strings.Join(names, ",")
				So(joined, ShouldContainSubstring, "flock_validator_evaluations_total")
				So(joined, ShouldContainSubstring, "flock_validator_disqualifications_total")
			})
		})
	})
}
