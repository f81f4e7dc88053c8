package llm

import "sync"

// EndpointSet holds the ordered backend endpoints. The first entry is
// the current primary; when a fallback wins a connection race it is
// promoted and stays primary for the rest of the session.
type EndpointSet struct {
	mu   sync.Mutex
	urls []string
}

// NewEndpointSet builds a set from a primary URL and ordered fallbacks.
func NewEndpointSet(primary string, fallbacks []string) *EndpointSet {
	urls := make([]string, 0, 1+len(fallbacks))
	if primary != "" {
		urls = append(urls, primary)
	}
	for _, u := range fallbacks {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return &EndpointSet{urls: urls}
}

// All returns the endpoints in current preference order.
func (s *EndpointSet) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.urls))
	copy(out, s.urls)
	return out
}

// Primary returns the current first-choice endpoint, or "".
func (s *EndpointSet) Primary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.urls) == 0 {
		return ""
	}
	return s.urls[0]
}

// Promote moves url to the front, keeping the relative order of the rest.
func (s *EndpointSet) Promote(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.urls {
		if u == url {
			if i == 0 {
				return
			}
			copy(s.urls[1:i+1], s.urls[:i])
			s.urls[0] = url
			return
		}
	}
}

// Len returns the number of configured endpoints.
func (s *EndpointSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}
