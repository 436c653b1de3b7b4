package bank

import "errors"

// Direction names which institution is origin and which is destination.
type Direction string

const (
	ThailandToMalaysia Direction = "THAILAND_TO_MALAYSIA"
	MalaysiaToThailand Direction = "MALAYSIA_TO_THAILAND"
)

// RateScale is the denominator of Route.RateBasisPoints.
const RateScale = 10_000

// ErrUnsupportedDirection is returned when payer and merchant jurisdictions do not
// form one of the supported corridors.
var ErrUnsupportedDirection = errors.New("unsupported payment direction")

// Route binds a direction to its two institutions and fixed conversion rate.
type Route struct {
	Direction       Direction
	Origin          Institution
	Destination     Institution
	RateBasisPoints int64
}

var routes = map[Direction]Route{
	ThailandToMalaysia: {
		Direction:       ThailandToMalaysia,
		Origin:          institutions[ThaiBank],
		Destination:     institutions[Maybank],
		RateBasisPoints: 1_300, // THB -> MYR 0.13
	},
	MalaysiaToThailand: {
		Direction:       MalaysiaToThailand,
		Origin:          institutions[Maybank],
		Destination:     institutions[ThaiBank],
		RateBasisPoints: 76_900, // MYR -> THB 7.69
	},
}

// ResolveRoute derives the corridor from the payer and merchant jurisdictions.
func ResolveRoute(payer, merchant Country) (Route, error) {
	for _, r := range routes {
		if r.Origin.Country == payer && r.Destination.Country == merchant {
			return r, nil
		}
	}
	return Route{}, ErrUnsupportedDirection
}

// RouteFor returns the route registered for a direction.
func RouteFor(d Direction) (Route, error) {
	r, ok := routes[d]
	if !ok {
		return Route{}, ErrUnsupportedDirection
	}
	return r, nil
}

// Convert turns a payer-currency amount in minor units into merchant-currency
// minor units, rounding half up.
func (r Route) Convert(amount int64) int64 {
	return (amount*r.RateBasisPoints + RateScale/2) / RateScale
}
