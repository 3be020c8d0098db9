package scoring_test

import (
	"testing"

	"github.com/flockoff/validator/internal/domain/model"
	scoring "github.com/flockoff/validator/internal/domain/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

func params(bench, minBench, maxBench, power, height float64) scoring.Params {
	return scoring.Params{
		Bench:       model.Some(bench),
		MinBench:    model.Some(minBench),
		MaxBench:    model.Some(maxBench),
		Power:       model.Some(power),
		BenchHeight: height,
	}
}

func score(loss float64, p scoring.Params) float64 {
	return scoring.Score(model.Some(loss), p, model.Some("1"), model.Some("1"))
}

func TestScore_Curve(t *testing.T) {
	Convey("Given the default competition curve", t, func() {
		p := params(0.16, 0.14, 0.2, 2, 0.16)

		Convey("When loss sits on the segment endpoints", func() {
			Convey("Then min bench scores 1, max bench 0 and bench the bench height", func() {
				So(score(0.14, p), ShouldAlmostEqual, 1.0, 1e-12)
				So(score(0.2, p), ShouldAlmostEqual, 0.0, 1e-12)
				So(score(0.16, p), ShouldAlmostEqual, 0.16, 1e-12)
			})
		})

		Convey("When loss leaves the bench range", func() {
			So(score(0.01, p), ShouldEqual, 1.0)
			So(score(0.5, p), ShouldEqual, 0.0)
			So(score(999, p), ShouldEqual, 0.0)
		})

		Convey("When loss falls inside the lower segment", func() {
			// (1-0.16) * (0.01/0.02)^2 + 0.16
			So(score(0.15, p), ShouldAlmostEqual, 0.37, 1e-9)
		})

		Convey("When loss falls inside the upper segment", func() {
			// -0.16 * (0.02/0.04)^2 + 0.16
			So(score(0.18, p), ShouldAlmostEqual, 0.12, 1e-9)
		})
	})
}

func TestScore_Continuity(t *testing.T) {
	Convey("Given a range of valid parameter sets", t, func() {
		sets := []scoring.Params{
			params(0.16, 0.14, 0.2, 2, 0.16),
			params(1.0, 0.5, 3.0, 1, 0.5),
			params(2.5, 2.0, 2.6, 0.5, 0.9),
			params(0.3, 0.1, 0.9, 4, 0),
			params(0.3, 0.1, 0.9, 3, 1),
		}

		Convey("Then both segments meet at bench and endpoints saturate", func() {
			for _, p := range sets {
				So(score(p.Bench.Value, p), ShouldAlmostEqual, p.BenchHeight, 1e-12)
				So(score(p.MinBench.Value, p), ShouldAlmostEqual, 1.0, 1e-12)
				So(score(p.MaxBench.Value, p), ShouldAlmostEqual, 0.0, 1e-12)
			}
		})

		Convey("Then the score never increases with loss", func() {
			for _, p := range sets {
				lo := p.MinBench.Value - 0.05
				hi := p.MaxBench.Value + 0.05
				step := (hi - lo) / 500
				prev := score(lo, p)
				for l := lo + step; l <= hi; l += step {
					cur := score(l, p)
					So(cur, ShouldBeLessThanOrEqualTo, prev+1e-12)
					So(cur, ShouldBeBetweenOrEqual, 0.0, 1.0)
					prev = cur
				}
			}
		})
	})
}

func TestScore_Defaults(t *testing.T) {
	Convey("Given invalid scoring inputs", t, func() {
		p := params(0.16, 0.14, 0.2, 2, 0.16)
		id := model.Some("1")

		Convey("When the loss is absent", func() {
			So(scoring.Score(model.None[float64](), p, id, id), ShouldEqual, 0)
		})

		Convey("When power is absent, zero or negative", func() {
			for _, pw := range []model.Optional[float64]{model.None[float64](), model.Some(0.0), model.Some(-1.0)} {
				q := p
				q.Power = pw
				So(scoring.Score(model.Some(0.15), q, id, id), ShouldEqual, scoring.DefaultNormalizedScore)
			}
		})

		Convey("When the expected competition is absent", func() {
			So(scoring.Score(model.Some(0.15), p, id, model.None[string]()), ShouldEqual, scoring.DefaultNormalizedScore)
		})

		Convey("When the submitted competition is absent or different", func() {
			So(scoring.Score(model.Some(0.15), p, model.None[string](), id), ShouldEqual, scoring.DefaultNormalizedScore)
			So(scoring.Score(model.Some(0.15), p, model.Some("2"), id), ShouldEqual, scoring.DefaultNormalizedScore)
		})

		Convey("When bench is absent or not positive", func() {
			q := p
			q.Bench = model.None[float64]()
			So(scoring.Score(model.Some(0.15), q, id, id), ShouldEqual, scoring.DefaultNormalizedScore)
			q.Bench = model.Some(0.0)
			So(scoring.Score(model.Some(0.15), q, id, id), ShouldEqual, scoring.DefaultNormalizedScore)
		})

		Convey("When the bench range is absent or inverted", func() {
			q := p
			q.MinBench = model.None[float64]()
			So(scoring.Score(model.Some(0.15), q, id, id), ShouldEqual, scoring.DefaultNormalizedScore)
			q = p
			q.MaxBench = model.None[float64]()
			So(scoring.Score(model.Some(0.15), q, id, id), ShouldEqual, scoring.DefaultNormalizedScore)
			q = params(0.16, 0.2, 0.2, 2, 0.16)
			So(scoring.Score(model.Some(0.15), q, id, id), ShouldEqual, scoring.DefaultNormalizedScore)
			q = params(0.16, 0.3, 0.2, 2, 0.16)
			So(scoring.Score(model.Some(0.15), q, id, id), ShouldEqual, scoring.DefaultNormalizedScore)
		})

		Convey("When loss is absent and power is invalid, absence wins", func() {
			q := p
			q.Power = model.Some(-3.0)
			So(scoring.Score(model.None[float64](), q, id, id), ShouldEqual, 0)
		})
	})
}

func TestParamsFor(t *testing.T) {
	Convey("Given a loaded competition", t, func() {
		c := model.Competition{ID: "1", Bench: 0.16, MinBench: 0.14, MaxBench: 0.2, BenchHeight: 0.16, Power: 2}
		p := scoring.ParamsFor(c)

		Convey("Then every parameter is present", func() {
			So(p.Bench.Valid && p.MinBench.Valid && p.MaxBench.Valid && p.Power.Valid, ShouldBeTrue)
			So(p.BenchHeight, ShouldEqual, 0.16)
		})
	})
}

func TestFloor(t *testing.T) {
	Convey("Given final weights", t, func() {
		ws := []float64{0, scoring.MinWeightThreshold / 2, scoring.MinWeightThreshold, 0.5}

		Convey("When flooring", func() {
			out := scoring.FloorAll(ws)

			Convey("Then dust becomes exactly zero and the rest is kept", func() {
				So(out, ShouldResemble, []float64{0, 0, scoring.MinWeightThreshold, 0.5})
			})
		})
	})
}
