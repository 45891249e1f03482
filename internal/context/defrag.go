package context

import (
	"fmt"
	"strings"
	"unicode"
)

// Defragment reorders packed fragments so a reader consumes them without
// topical jumps: fragments cluster by textual similarity, clusters are
// ordered greedily nearest-first, and short bridging sentences separate
// clusters when the residual budget allows. The input fragment set is never
// shrunk, only reordered and possibly interleaved with bridges.
func Defragment(fragments []Fragment, residualTokens int) []Fragment {
	if len(fragments) <= 1 {
		return fragments
	}

	clusters := clusterFragments(fragments)
	ordered := orderClusters(clusters)

	counter := NewTokenCounter()
	out := make([]Fragment, 0, len(fragments)+len(ordered))
	for i, cl := range ordered {
		if i > 0 {
			bridge := bridgeFragment(i, cl)
			bridge.Tokens = counter.CountFragment(bridge)
			if bridge.Tokens <= residualTokens {
				out = append(out, bridge)
				residualTokens -= bridge.Tokens
			}
		}
		out = append(out, cl.fragments...)
	}
	return out
}

type cluster struct {
	fragments []Fragment
	tokens    map[string]struct{}
	topic     string
}

// fragTokens extracts a fragment's word set for similarity grouping.
func fragTokens(f Fragment) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(f.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		if len(w) >= 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

func setJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// clusterThreshold is the minimum similarity for a fragment to join an
// existing cluster.
const clusterThreshold = 0.2

// clusterFragments greedily assigns each fragment (in score order, which is
// the packing order) to the most similar existing cluster.
func clusterFragments(fragments []Fragment) []*cluster {
	var clusters []*cluster
	for _, f := range fragments {
		tokens := fragTokens(f)
		var best *cluster
		bestSim := 0.0
		for _, cl := range clusters {
			if sim := setJaccard(tokens, cl.tokens); sim > bestSim {
				best, bestSim = cl, sim
			}
		}
		if best != nil && bestSim >= clusterThreshold {
			best.fragments = append(best.fragments, f)
			for t := range tokens {
				best.tokens[t] = struct{}{}
			}
			continue
		}
		clusters = append(clusters, &cluster{
			fragments: []Fragment{f},
			tokens:    tokens,
			topic:     topicOf(f),
		})
	}
	return clusters
}

// topicOf picks a short label for a cluster's bridge sentence.
func topicOf(f Fragment) string {
	line := strings.TrimSpace(strings.SplitN(f.Text, "\n", 2)[0])
	if len(line) > 60 {
		line = line[:60]
	}
	return line
}

// orderClusters starts from the highest-scored cluster and repeatedly
// appends the nearest remaining one, minimising topical jumps.
func orderClusters(clusters []*cluster) []*cluster {
	if len(clusters) <= 2 {
		return clusters
	}
	out := make([]*cluster, 0, len(clusters))
	remaining := append([]*cluster(nil), clusters...)

	cur := remaining[0]
	out = append(out, cur)
	remaining = remaining[1:]

	for len(remaining) > 0 {
		bestIdx, bestSim := 0, -1.0
		for i, cl := range remaining {
			if sim := setJaccard(cur.tokens, cl.tokens); sim > bestSim {
				bestIdx, bestSim = i, sim
			}
		}
		cur = remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		out = append(out, cur)
	}
	return out
}

func bridgeFragment(i int, cl *cluster) Fragment {
	return Fragment{
		ID:           fmt.Sprintf("bridge-%d", i),
		Kind:         FragmentBridge,
		Text:         fmt.Sprintf("— related: %s", cl.topic),
		Strategy:     StrategyNone,
		QualityScore: 1,
	}
}
