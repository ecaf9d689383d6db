package agentmgr

// Routing outcome statuses.
const (
	Routed           = "routed"
	NoSuitableAgent  = "no_suitable_agent"
	NoAvailableAgent = "no_available_agent"
)

// RouteResult is the outcome of a ROUTE_TASK call.
type RouteResult struct {
	Status        string // Routed, NoSuitableAgent or NoAvailableAgent
	AssignedAgent Agent
	MatchScore    int
}

// RouteTask finds the active agent best matching requiredCapabilities and
// assigns the task to it. Candidates are scored by the size of the
// intersection between their own capabilities and requiredCapabilities;
// ties are broken by earliest LastActive. preferAgentID, if set and
// present among the matching candidates, wins outright regardless of
// score.
//
// NoSuitableAgent means no registered agent has any matching capability;
// NoAvailableAgent means capable agents exist but none is StatusActive.
func (m *Manager) RouteTask(requiredCapabilities []string, preferAgentID string) (RouteResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var suitable []*Agent
	for _, a := range m.byID {
		if matchCount(a, requiredCapabilities) > 0 || len(requiredCapabilities) == 0 {
			suitable = append(suitable, a)
		}
	}
	if len(suitable) == 0 {
		return RouteResult{Status: NoSuitableAgent}, nil
	}

	var candidates []*Agent
	for _, a := range suitable {
		if a.Status == StatusActive {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return RouteResult{Status: NoAvailableAgent}, nil
	}

	if preferAgentID != "" {
		for _, a := range candidates {
			if a.AgentID == preferAgentID {
				return RouteResult{Status: Routed, AssignedAgent: *a, MatchScore: matchCount(a, requiredCapabilities)}, nil
			}
		}
	}

	best := candidates[0]
	bestScore := matchCount(best, requiredCapabilities)
	for _, a := range candidates[1:] {
		score := matchCount(a, requiredCapabilities)
		if score > bestScore || (score == bestScore && a.LastActive.Before(best.LastActive)) {
			best, bestScore = a, score
		}
	}
	return RouteResult{Status: Routed, AssignedAgent: *best, MatchScore: bestScore}, nil
}

func matchCount(a *Agent, required []string) int {
	n := 0
	for _, cap := range required {
		if a.hasCapability(cap) {
			n++
		}
	}
	return n
}
