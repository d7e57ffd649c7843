package duplicates

// SignalType names the kind of evidence linking two accounts
type SignalType string

const (
	SignalEmailSimilarity SignalType = "email_similarity"
	SignalSharedIP        SignalType = "shared_ip"
	SignalSharedDevice    SignalType = "shared_device"
	SignalSharedPayment   SignalType = "shared_payment"
)

// Valid reports whether t is one of the known signal types
func (t SignalType) Valid() bool {
	switch t {
	case SignalEmailSimilarity, SignalSharedIP, SignalSharedDevice, SignalSharedPayment:
		return true
	}
	return false
}

// Signal is one piece of evidence that two accounts belong to the same actor.
// The set of implementations is closed.
type Signal interface {
	Type() SignalType
	Confidence() int
	signal()
}

// EmailSimilarity is a near-identical normalized email on the same domain
type EmailSimilarity struct {
	Distance int
}

// SharedIP is a set of IPs both accounts used inside the detection window
type SharedIP struct {
	Count     int
	Threshold int
}

// SharedDevice is an identical device hash
type SharedDevice struct {
	DeviceHash string
}

// SharedPayment is an identical hashed payment instrument
type SharedPayment struct {
	InstrumentHash string
}

func (EmailSimilarity) Type() SignalType { return SignalEmailSimilarity }
func (SharedIP) Type() SignalType        { return SignalSharedIP }
func (SharedDevice) Type() SignalType    { return SignalSharedDevice }
func (SharedPayment) Type() SignalType   { return SignalSharedPayment }

func (EmailSimilarity) signal() {}
func (SharedIP) signal()        {}
func (SharedDevice) signal()    {}
func (SharedPayment) signal()   {}

// Confidence maps the edit distance to a score: 0 is 95, 1 is 80, 2 is 60.
func (s EmailSimilarity) Confidence() int {
	switch s.Distance {
	case 0:
		return 95
	case 1:
		return 80
	case 2:
		return 60
	default:
		return 0
	}
}

// Confidence is 70 at the threshold plus 5 per additional IP, capped at 95.
func (s SharedIP) Confidence() int {
	if s.Count < s.Threshold || s.Count <= 0 {
		return 0
	}
	c := 70 + 5*(s.Count-s.Threshold)
	if c > 95 {
		return 95
	}
	return c
}

func (SharedDevice) Confidence() int  { return 90 }
func (SharedPayment) Confidence() int { return 95 }

// combine folds signals for one pair: the maximum confidence wins and the
// types are unioned.
func combine(signals []Signal) (int, []SignalType) {
	best := 0
	seen := make(map[SignalType]bool, len(signals))
	for _, s := range signals {
		c := s.Confidence()
		if c <= 0 {
			continue
		}
		if c > best {
			best = c
		}
		seen[s.Type()] = true
	}
	return best, sortedTypes(seen)
}

func sortedTypes(seen map[SignalType]bool) []SignalType {
	order := []SignalType{SignalEmailSimilarity, SignalSharedIP, SignalSharedDevice, SignalSharedPayment}
	out := make([]SignalType, 0, len(seen))
	for _, t := range order {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}
