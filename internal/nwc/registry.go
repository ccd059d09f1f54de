package nwc

import (
	"context"
	"log/slog"

	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/types"
)

// Registry maps subscription ids to the session that opened them. It is
// built once and only read afterwards, so lookups need no locking.
type Registry struct {
	bySub map[string]*Session
	order []string
}

// RequestFilter selects requests addressed to s from since onwards.
func RequestFilter(s *Session, since int64) types.Filter {
	return types.Filter{
		Kinds: []int{nostr.KindWalletRequest},
		PTags: []string{s.IdentityPubKey},
	}.WithSince(since)
}

// BuildRegistry opens one subscription per session. Sessions whose
// subscription fails everywhere are logged and left out. It returns the
// relays of the sessions that made it in.
func BuildRegistry(ctx context.Context, sub Subscriber, sessions []*Session, since int64, log *slog.Logger) ([]string, *Registry) {
	if log == nil {
		log = slog.Default()
	}
	reg := &Registry{bySub: make(map[string]*Session, len(sessions))}

	var live []*Session
	for _, s := range sessions {
		id, err := sub.Subscribe(ctx, s.Relays, RequestFilter(s, since))
		if err != nil {
			log.Error("session unavailable, subscription failed", "session", s.Name,
				"identity", nostr.ShortID(s.IdentityPubKey), "error", err)
			continue
		}
		reg.bySub[id] = s
		reg.order = append(reg.order, id)
		live = append(live, s)
		log.Info("session subscribed", "session", s.Name, "sub_id", id, "relays", len(s.Relays))
	}
	return RelayUnion(live), reg
}

// Lookup returns the session that owns a subscription.
func (r *Registry) Lookup(subID string) (*Session, bool) {
	s, ok := r.bySub[subID]
	return s, ok
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Release closes every subscription in the registry. Lookups keep
// working so requests already received can still be answered.
func (r *Registry) Release(sub Subscriber) {
	for _, id := range r.order {
		sub.Unsubscribe(id)
	}
}
