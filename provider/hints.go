package provider

import (
	"sort"

	"github.com/credfold/relay/wire"
)

// hintGroup collects the stored credentials sharing one identity.
type hintGroup struct {
	representative wire.Credential
	count          int
	firstSeen      int
}

// RankHints deduplicates credentials by identity, picks one
// representative per identity, and orders identities by how many stored
// records back them.
//
// Representative selection within a group: a federated (non-password)
// auth method beats a password one; among equals, a record with a
// display name beats one without, then one with a profile picture.
// Group ordering: descending occurrence count, ties in first-seen
// order. Every returned hint is stripped to the hint field whitelist.
func RankHints(creds []wire.Credential) []wire.Credential {
	groups := make(map[wire.Key]*hintGroup)
	var order []wire.Key

	for _, cred := range creds {
		key := cred.IdentityKey()
		group, ok := groups[key]
		if !ok {
			groups[key] = &hintGroup{representative: cred, count: 1, firstSeen: len(order)}
			order = append(order, key)
			continue
		}
		group.count++
		if hintScore(cred) > hintScore(group.representative) {
			group.representative = cred
		}
	}

	ranked := make([]*hintGroup, 0, len(order))
	for _, key := range order {
		ranked = append(ranked, groups[key])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].count > ranked[j].count
	})

	hints := make([]wire.Credential, 0, len(ranked))
	for _, group := range ranked {
		hints = append(hints, group.representative.HintFields())
	}
	return hints
}

// hintScore orders same-identity credentials: auth method class
// dominates, then display name presence, then profile picture presence.
func hintScore(c wire.Credential) int {
	score := 0
	if !wire.IsPasswordMethod(c.AuthMethod) {
		score += 4
	}
	if c.DisplayName != "" {
		score += 2
	}
	if c.ProfilePicture != "" {
		score++
	}
	return score
}

// filterByMethods keeps credentials whose auth method the caller
// supports, preserving order.
func filterByMethods(creds []wire.Credential, opts wire.RequestOptions) []wire.Credential {
	filtered := make([]wire.Credential, 0, len(creds))
	for _, cred := range creds {
		if opts.Supports(cred.AuthMethod) {
			filtered = append(filtered, cred)
		}
	}
	return filtered
}
