package reminder

// Kind is the result of processing one appointment in a run.
type Kind int

const (
	Sent Kind = iota
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Sent:
		return "sent"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type SkipReason string

const (
	SkipAlreadySent    SkipReason = "already_sent"
	SkipNoSubscription SkipReason = "no_subscription"
	SkipClaimed        SkipReason = "claimed"
	SkipIneligible     SkipReason = "ineligible"
)

// Failure classifies a failed send. Only FailureGone changes stored state
// (the subscription is deleted); every other class is retried by the next
// run because reminder_sent stays false.
type Failure string

const (
	FailureGone      Failure = "gone"
	FailureTransient Failure = "transient"
	FailureLookup    Failure = "lookup"
	FailurePanic     Failure = "panic"
)

type Outcome struct {
	AppointmentID string
	UserID        string
	Kind          Kind
	Skip          SkipReason
	Failure       Failure
	StatusCode    int
	Err           error

	// SubscriptionRemoved is set when a gone subscription was deleted.
	SubscriptionRemoved bool
	// FlagErr is the error from persisting reminder_sent after a send.
	FlagErr error
}

func (o Outcome) Reason() string {
	switch o.Kind {
	case Skipped:
		return string(o.Skip)
	case Failed:
		return string(o.Failure)
	default:
		return ""
	}
}

type Summary struct {
	RunID                string
	WindowStart          string
	WindowEnd            string
	Considered           int
	Sent                 int
	Skipped              int
	Failed               int
	SubscriptionsRemoved int
	Outcomes             []Outcome
}

func summarize(s *Summary, outcomes []Outcome) {
	s.Considered = len(outcomes)
	s.Outcomes = outcomes
	for _, o := range outcomes {
		switch o.Kind {
		case Sent:
			s.Sent++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
		if o.SubscriptionRemoved {
			s.SubscriptionsRemoved++
		}
	}
}
