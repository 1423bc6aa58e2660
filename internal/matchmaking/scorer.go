package matchmaking

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Weights are the scoring weights applied to the four sub-scores. They must
// sum to 1.0.
type Weights struct {
	RouteMatch float64
	TimeMatch  float64
	Rating     float64
	Price      float64
}

// DefaultWeights returns the standard 0.4/0.3/0.2/0.1 weighting
func DefaultWeights() Weights {
	return Weights{RouteMatch: 0.4, TimeMatch: 0.3, Rating: 0.2, Price: 0.1}
}

// Validate checks the weights sum to 1.0 within floating-point tolerance
func (w Weights) Validate() error {
	sum := w.RouteMatch + w.TimeMatch + w.Rating + w.Price
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: got %.4f", ErrInvalidWeights, sum)
	}
	return nil
}

// Scorer ranks prefiltered candidates
type Scorer struct {
	weights       Weights
	timeWindow    time.Duration
	defaultRating float64
}

// NewScorer creates a scorer. timeWindow is the full-score departure window;
// defaultRating (on the 0..5 scale) stands in for unrated drivers.
func NewScorer(weights Weights, timeWindow time.Duration, defaultRating float64) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if timeWindow <= 0 {
		timeWindow = 15 * time.Minute
	}
	if defaultRating <= 0 || defaultRating > 5 {
		defaultRating = 3.5
	}
	return &Scorer{weights: weights, timeWindow: timeWindow, defaultRating: defaultRating}, nil
}

// Score ranks candidates for the request. Results are sorted by final score
// descending; ties break by lower price, then earlier departure, then route
// id, so the ordering is deterministic.
func (s *Scorer) Score(req *MatchRequest, candidates []*Candidate) []*MatchResult {
	if len(candidates) == 0 {
		return nil
	}

	minPrice, maxPrice := priceRange(candidates)

	results := make([]*MatchResult, 0, len(candidates))
	for _, c := range candidates {
		sub := SubScores{
			RouteMatch: s.routeMatch(c),
			TimeMatch:  s.timeMatch(req.DesiredTime, c.Route.DepartureTime),
			Rating:     s.ratingScore(c.Route),
			Price:      priceScore(c.Route.PricePerSeat, minPrice, maxPrice),
		}
		final := s.weights.RouteMatch*sub.RouteMatch +
			s.weights.TimeMatch*sub.TimeMatch +
			s.weights.Rating*sub.Rating +
			s.weights.Price*sub.Price

		results = append(results, &MatchResult{
			RouteID:           c.Route.ID,
			DriverID:          c.Route.DriverID,
			OriginStopID:      c.OriginStopID,
			DestinationStopID: c.DestStopID,
			DepartureTime:     c.Route.DepartureTime,
			PricePerSeat:      c.Route.PricePerSeat,
			SeatsAvailable:    c.Route.SeatsAvailable,
			DriverRating:      c.Route.DriverRating,
			Score:             round3(final),
			SubScores:         sub,
			Explanation:       s.explain(req, c, sub),
			Recommended:       final >= 0.8,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.PricePerSeat != b.PricePerSeat {
			return a.PricePerSeat < b.PricePerSeat
		}
		if !a.DepartureTime.Equal(b.DepartureTime) {
			return a.DepartureTime.Before(b.DepartureTime)
		}
		return a.RouteID < b.RouteID
	})
	return results
}

// routeMatch is 1.0 when both trip ends are covered in stop order, 0.5 when
// only one end is near the route, 0 otherwise
func (s *Scorer) routeMatch(c *Candidate) float64 {
	switch {
	case c.OriginCovered && c.DestinationCovered && c.InOrder:
		return 1.0
	case c.OriginCovered || c.DestinationCovered:
		return 0.5
	default:
		return 0
	}
}

// timeMatch is 1.0 within the window, decays linearly to 0 at twice the
// window, and is 0 beyond
func (s *Scorer) timeMatch(desired, departure time.Time) float64 {
	diff := departure.Sub(desired)
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= s.timeWindow:
		return 1.0
	case diff >= 2*s.timeWindow:
		return 0
	default:
		return float64(2*s.timeWindow-diff) / float64(s.timeWindow)
	}
}

func (s *Scorer) ratingScore(r *Route) float64 {
	if r.DriverRatingCount == 0 {
		return s.defaultRating / 5.0
	}
	return r.DriverRating / 5.0
}

func priceScore(price, min, max float64) float64 {
	if max == min {
		return 1.0
	}
	return (max - price) / (max - min)
}

func priceRange(candidates []*Candidate) (min, max float64) {
	min, max = candidates[0].Route.PricePerSeat, candidates[0].Route.PricePerSeat
	for _, c := range candidates[1:] {
		p := c.Route.PricePerSeat
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	return min, max
}

func (s *Scorer) explain(req *MatchRequest, c *Candidate, sub SubScores) string {
	var coverage string
	switch {
	case sub.RouteMatch == 1.0:
		coverage = "Exact route match"
	case sub.RouteMatch > 0:
		coverage = "Partial route match"
	default:
		coverage = "Route nearby"
	}

	diff := c.Route.DepartureTime.Sub(req.DesiredTime)
	var timing string
	switch {
	case diff >= 0 && diff < time.Minute:
		timing = "departs on time"
	case diff > 0:
		timing = fmt.Sprintf("departs in %d min", int(diff.Minutes()))
	default:
		timing = fmt.Sprintf("departs %d min earlier", int((-diff).Minutes()))
	}

	var rated string
	if c.Route.DriverRatingCount == 0 {
		rated = "new driver"
	} else {
		rated = fmt.Sprintf("rated %.1f/5", c.Route.DriverRating)
	}

	return fmt.Sprintf("%s; %s; %s", coverage, timing, rated)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
