package requests

// SubjectSettings are the gating flags of one subject.
type SubjectSettings struct {
	ActionRequired bool `json:"action_required"`
	TANRequired    bool `json:"tan_required"`
}

// Settings is an immutable snapshot of the per-subject flags. Subjects
// without an entry need neither action nor TAN.
type Settings struct {
	subjects map[Subject]SubjectSettings
}

func NewSettings(subjects map[Subject]SubjectSettings) Settings {
	copied := make(map[Subject]SubjectSettings, len(subjects))
	for k, v := range subjects {
		copied[k] = v
	}
	return Settings{subjects: copied}
}

func (s Settings) For(subject Subject) SubjectSettings {
	return s.subjects[subject]
}

// next returns the status a freshly validated request moves to. Admin and
// system requests skip both gates.
func (s Settings) next(r *Request) Status {
	if r.Initiator != InitiatorUser {
		return StatusExecuted
	}
	cfg := s.For(r.Subject())
	switch {
	case cfg.TANRequired:
		return StatusPendingTAN
	case cfg.ActionRequired:
		return StatusPendingAction
	}
	return StatusExecuted
}

// afterTAN returns the status a request moves to once its TAN is accepted.
func (s Settings) afterTAN(r *Request) Status {
	if s.For(r.Subject()).ActionRequired {
		return StatusPendingAction
	}
	return StatusExecuted
}
