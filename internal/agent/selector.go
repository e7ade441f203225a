// ABOUTME: Per-session agent selection: explicit mention, last used, preferred, default
// ABOUTME: Remembers the last explicitly or implicitly chosen agent

package agent

import "sync"

// Selector picks the agent for each run of one session.
type Selector struct {
	catalog   *Catalog
	preferred string

	mu   sync.Mutex
	last string
}

// NewSelector creates a Selector. preferred may be empty.
func NewSelector(catalog *Catalog, preferred string) *Selector {
	return &Selector{catalog: catalog, preferred: preferred}
}

// Select resolves explicit as a name prefix when set. Otherwise it falls
// back to the last used agent, the preferred agent, DefaultAgentName and
// finally the first registered agent. The result becomes the last used.
func (s *Selector) Select(explicit string) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.resolve(explicit)
	if err != nil {
		return nil, err
	}
	s.last = def.Name
	return def, nil
}

// Last returns the name of the last selected agent.
func (s *Selector) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Selector) resolve(explicit string) (*Definition, error) {
	if explicit != "" {
		return s.catalog.Find(explicit)
	}
	for _, name := range []string{s.last, s.preferred, DefaultAgentName} {
		if name == "" {
			continue
		}
		if def, ok := s.catalog.Get(name); ok {
			return def, nil
		}
	}
	if all := s.catalog.List(); len(all) > 0 {
		return all[0], nil
	}
	return nil, ErrNoAgentsAvailable
}
