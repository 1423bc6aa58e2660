package ticketing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBody() TicketBody {
	return TicketBody{
		TicketID:      "tkt-1",
		BookingID:     "bkg-1",
		RiderID:       "rider-1",
		DriverID:      "driver-1",
		VehicleID:     "veh-1",
		RideType:      "shared",
		ScheduledTime: "2026-09-01T08:00:00Z",
		Pickup:        "Ikeja",
		Dropoff:       "Lekki",
		Fare:          1500,
		PaymentID:     "pay-1",
	}
}

func TestCanonicalJSONIsDeterministic(t *testing.T) {
	a, err := CanonicalJSON(sampleBody())
	require.NoError(t, err)
	b, err := CanonicalJSON(sampleBody())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"zebra": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zebra":1}`, string(out))
}

func TestCanonicalJSONNumberFormatting(t *testing.T) {
	// whole-number floats must not grow a fractional part on the round trip
	out, err := CanonicalJSON(map[string]any{"fare": 1500.0, "rate": 0.25})
	require.NoError(t, err)
	assert.Equal(t, `{"fare":1500,"rate":0.25}`, string(out))
}

func TestCanonicalJSONNoHTMLEscaping(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"route": "A&B <express>"})
	require.NoError(t, err)
	assert.Equal(t, `{"route":"A&B <express>"}`, string(out))
}

func TestCanonicalJSONNoTrailingNewline(t *testing.T) {
	out, err := CanonicalJSON(sampleBody())
	require.NoError(t, err)
	assert.NotEqual(t, byte('\n'), out[len(out)-1])
}
