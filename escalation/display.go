package escalation

// Tone is the badge color family a client renders for an escalation.
type Tone string

const (
	ToneWarning Tone = "warning"
	ToneDanger  Tone = "danger"
	ToneSuccess Tone = "success"
	ToneNeutral Tone = "neutral"
)

type Display struct {
	Label string `json:"label"`
	Badge string `json:"badge"`
	Tone  Tone   `json:"tone"`
}

var typeLabels = map[Type]string{
	TypeBuyerNoConfirm:  "Buyer did not confirm",
	TypeSellerNoConfirm: "Seller did not confirm",
	TypeBuyerDispute:    "Disputed by buyer",
	TypeSellerDispute:   "Disputed by seller",
	TypeTimeout:         "Confirmation window expired",
}

// DisplayFor maps an escalation to its label and badge. It is a pure lookup.
func DisplayFor(t Type, resolved bool, action *Action) Display {
	label, ok := typeLabels[t]
	if !ok {
		label = "Escalated"
	}

	if resolved {
		if action != nil && *action == ActionRefunded {
			return Display{Label: label, Badge: "Refunded to buyer", Tone: ToneNeutral}
		}
		return Display{Label: label, Badge: "Released to seller", Tone: ToneSuccess}
	}

	if t == TypeBuyerDispute || t == TypeSellerDispute {
		return Display{Label: label, Badge: "Under review", Tone: ToneDanger}
	}
	return Display{Label: label, Badge: "Awaiting arbitration", Tone: ToneWarning}
}

// Display is a shorthand for DisplayFor on a record.
func (r Record) Display() Display {
	return DisplayFor(r.Type, r.Resolved(), r.ResolutionAction)
}
