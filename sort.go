package chatstate

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
)

type SortDirection int

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// SortField orders channels by one field.
type SortField struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// QuerySort is an ordered list of sort fields. Channels that compare equal on
// every field are ordered by cid.
type QuerySort []SortField

// DefaultChannelSort orders channels by most recent activity.
func DefaultChannelSort() QuerySort {
	return QuerySort{{Field: "last_message_at", Direction: Descending}}
}

func (s QuerySort) orDefault() QuerySort {
	if len(s) == 0 {
		return DefaultChannelSort()
	}
	return s
}

func SortBy(field string, dir SortDirection) QuerySort {
	return QuerySort{{Field: field, Direction: dir}}
}

// Then appends a secondary sort field.
func (s QuerySort) Then(field string, dir SortDirection) QuerySort {
	out := slices.Clone(s)
	return append(out, SortField{Field: field, Direction: dir})
}

func (s QuerySort) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.Field + ":" + strconv.Itoa(int(f.Direction))
	}
	return strings.Join(parts, ",")
}

// Compare orders two channels.
func (s QuerySort) Compare(a, b Channel) int {
	for _, f := range s {
		c := compareChannelField(a, b, f.Field)
		if c == 0 {
			continue
		}
		if f.Direction == Descending {
			return -c
		}
		return c
	}
	return strings.Compare(a.NormalizedCID(), b.NormalizedCID())
}

// Sort orders channels in place.
func (s QuerySort) Sort(channels []Channel) {
	slices.SortStableFunc(channels, s.Compare)
}

func compareChannelField(a, b Channel, field string) int {
	switch field {
	case "last_message_at", "last_updated":
		return a.LastUpdated().Compare(b.LastUpdated())
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "member_count":
		return cmp.Compare(a.MemberCount, b.MemberCount)
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "cid":
		return strings.Compare(a.NormalizedCID(), b.NormalizedCID())
	}
	av, aok := a.ExtraData[field]
	bv, bok := b.ExtraData[field]
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	c, _ := compareValues(av, bv)
	return c
}
