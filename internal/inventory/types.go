// Package inventory holds the player-facing item model used by the crafting
// engine: references to ball species and custom items, owned ball instances,
// and read-only inventory snapshots supplied by the external player store.
//
// The package never mutates a player's holdings on its own. Mutation is
// described as a Transaction and handed to a store, which applies it
// atomically or not at all.
package inventory

import (
	"fmt"
	"strings"
	"time"
)

// PlayerID represents an application-defined player identifier
// (for a chat bot this is usually the platform user id).
type PlayerID string

// SpeciesID identifies a ball species ("country" in the bot's vocabulary).
type SpeciesID string

// SpecialID identifies a special variant a ball instance may carry.
type SpecialID string

// ItemID identifies a custom (non-ball) crafting item.
type ItemID string

// BallID identifies a single owned ball instance.
type BallID int64

// RefKind discriminates the closed set of things a recipe can reference.
type RefKind int

const (
	// RefBall references a ball species, optionally restricted to a special.
	RefBall RefKind = iota + 1
	// RefItem references a custom item counted by quantity.
	RefItem
)

// String returns a human-readable representation of the reference kind.
func (k RefKind) String() string {
	switch k {
	case RefBall:
		return "ball"
	case RefItem:
		return "item"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind as its string form.
func (k RefKind) MarshalText() ([]byte, error) {
	switch k {
	case 0:
		return []byte{}, nil
	case RefBall, RefItem:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown reference kind %d", k)
	}
}

// UnmarshalText decodes "ball" or "item". An empty string is the zero kind.
func (k *RefKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "":
		*k = 0
	case "ball":
		*k = RefBall
	case "item":
		*k = RefItem
	default:
		return fmt.Errorf("unknown reference kind %q", string(b))
	}
	return nil
}

// ItemRef is a tagged reference to either a ball species or a custom item.
// For RefBall, Special is an optional attribute filter; empty means any
// variant matches. For RefItem, only Item is meaningful.
type ItemRef struct {
	Kind    RefKind   `json:"kind" yaml:"kind"`
	Species SpeciesID `json:"species,omitempty" yaml:"species,omitempty"`
	Special SpecialID `json:"special,omitempty" yaml:"special,omitempty"`
	Item    ItemID    `json:"item,omitempty" yaml:"item,omitempty"`
}

// Ball builds a reference to a ball species with an optional special filter.
func Ball(species SpeciesID, special SpecialID) ItemRef {
	return ItemRef{Kind: RefBall, Species: species, Special: special}
}

// Item builds a reference to a custom item.
func Item(id ItemID) ItemRef {
	return ItemRef{Kind: RefItem, Item: id}
}

// Validate checks that exactly the fields of the declared kind are set.
func (r ItemRef) Validate() error {
	switch r.Kind {
	case RefBall:
		if r.Species == "" {
			return fmt.Errorf("ball reference missing species")
		}
		if r.Item != "" {
			return fmt.Errorf("ball reference must not name an item")
		}
	case RefItem:
		if r.Item == "" {
			return fmt.Errorf("item reference missing item id")
		}
		if r.Species != "" || r.Special != "" {
			return fmt.Errorf("item reference must not name a species or special")
		}
	default:
		return fmt.Errorf("unknown reference kind %d", r.Kind)
	}
	return nil
}

// String renders the reference as "ball:species[special]" or "item:id".
func (r ItemRef) String() string {
	switch r.Kind {
	case RefBall:
		if r.Special != "" {
			return fmt.Sprintf("ball:%s[%s]", r.Species, r.Special)
		}
		return "ball:" + string(r.Species)
	case RefItem:
		return "item:" + string(r.Item)
	default:
		return "unknown"
	}
}

// ParseRef reads the String form back into a reference.
func ParseRef(s string) (ItemRef, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return ItemRef{}, fmt.Errorf("reference %q: want ball:<species>[special] or item:<id>", s)
	}
	var ref ItemRef
	switch kind {
	case "item":
		ref = Item(ItemID(rest))
	case "ball":
		species, special, filtered := strings.Cut(rest, "[")
		if filtered {
			if !strings.HasSuffix(special, "]") {
				return ItemRef{}, fmt.Errorf("reference %q: unterminated special filter", s)
			}
			special = strings.TrimSuffix(special, "]")
			if special == "" {
				return ItemRef{}, fmt.Errorf("reference %q: empty special filter", s)
			}
		}
		ref = Ball(SpeciesID(species), SpecialID(special))
	default:
		return ItemRef{}, fmt.Errorf("reference %q: unknown kind %q", s, kind)
	}
	if err := ref.Validate(); err != nil {
		return ItemRef{}, fmt.Errorf("reference %q: %w", s, err)
	}
	return ref, nil
}

// BallInstance is one ball owned by a player.
type BallInstance struct {
	ID          BallID    `json:"id"`
	Species     SpeciesID `json:"species"`
	Special     SpecialID `json:"special,omitempty"`
	AttackBonus int       `json:"attackBonus"`
	HealthBonus int       `json:"healthBonus"`
	ObtainedAt  time.Time `json:"obtainedAt"`
}

// Matches reports whether the instance satisfies a ball reference.
func (b BallInstance) Matches(ref ItemRef) bool {
	if ref.Kind != RefBall || b.Species != ref.Species {
		return false
	}
	return ref.Special == "" || b.Special == ref.Special
}

// Snapshot is a point-in-time read view of a player's holdings.
// Version increases with every committed change for the player and is used
// for optimistic checks on commit.
type Snapshot struct {
	Player  PlayerID       `json:"player"`
	Version int64          `json:"version"`
	Balls   []BallInstance `json:"balls"`
	Items   map[ItemID]int `json:"items"`
	TakenAt time.Time      `json:"takenAt"`
}

// ItemQuantity returns how many units of a custom item the snapshot holds.
func (s Snapshot) ItemQuantity(id ItemID) int {
	if s.Items == nil {
		return 0
	}
	return s.Items[id]
}

// CountMatching returns the number of ball instances matching ref.
func (s Snapshot) CountMatching(ref ItemRef) int {
	n := 0
	for _, b := range s.Balls {
		if b.Matches(ref) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Balls = append([]BallInstance(nil), s.Balls...)
	out.Items = make(map[ItemID]int, len(s.Items))
	for k, v := range s.Items {
		out.Items[k] = v
	}
	return out
}

// Consumption is the exact set of holdings a craft removes.
type Consumption struct {
	Balls []BallID       `json:"balls,omitempty"`
	Items map[ItemID]int `json:"items,omitempty"`
}

// BallMint describes ball instances to create.
type BallMint struct {
	Species  SpeciesID `json:"species"`
	Special  SpecialID `json:"special,omitempty"`
	Quantity int       `json:"quantity"`
}

// Transaction is the atomic "decrement set X, credit Y" unit handed to a store.
// If ExpectedVersion is non-zero the store must refuse the commit when the
// player's current version differs.
type Transaction struct {
	Player          PlayerID       `json:"player"`
	ExpectedVersion int64          `json:"expectedVersion,omitempty"`
	Consume         Consumption    `json:"consume"`
	Mint            []BallMint     `json:"mint,omitempty"`
	Credit          map[ItemID]int `json:"credit,omitempty"`
}

// Receipt describes what a committed transaction produced.
type Receipt struct {
	Version     int64          `json:"version"`
	MintedBalls []BallInstance `json:"mintedBalls,omitempty"`
	Credited    map[ItemID]int `json:"credited,omitempty"`
}
