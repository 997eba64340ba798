package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/sparkbloom/clinic-engine/clinic"
)

var hundred = decimal.NewFromInt(100)

// NetValue returns therapist * (1 - retention/100), rounded half-up to two
// decimal places. Retention is a percentage in [0,100].
func NetValue(therapist, retention decimal.Decimal) decimal.Decimal {
	withheld := therapist.Mul(retention).Div(hundred)
	return therapist.Sub(withheld).Round(2)
}

// SessionValues derives the monetary snapshot for a session from the
// condition in force on its date.
func SessionValues(c clinic.Condition) clinic.Values {
	return clinic.Values{
		SessionValue:    c.ClientPrice,
		TherapistValue:  c.TherapistShare,
		Retention:       c.Retention,
		NetValue:        NetValue(c.TherapistShare, c.Retention),
		ReceiptRequired: c.ReceiptRequired,
	}
}
