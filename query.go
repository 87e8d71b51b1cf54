package chatstate

import (
	"slices"

	"github.com/google/uuid"
)

// specNamespace scopes the deterministic ids derived for query specs.
var specNamespace = uuid.MustParse("6f1c7a52-8c1e-4d43-9a52-4d0f6f0c3b11")

// QueryChannelsSpec identifies a channel list query by filter and sort and
// records the ordered set of channels currently satisfying it.
type QueryChannelsSpec struct {
	Filter Filter    `json:"filter"`
	Sort   QuerySort `json:"sort"`
	CIDs   []string  `json:"cids"`
}

// ID is a stable key for the (filter, sort) pair.
func (s QueryChannelsSpec) ID() string {
	return QuerySpecID(s.Filter, s.Sort)
}

// QuerySpecID derives the stable key for a (filter, sort) pair.
func QuerySpecID(filter Filter, sort QuerySort) string {
	return uuid.NewSHA1(specNamespace, []byte(filter.String()+"|"+sort.String())).String()
}

// HasCID reports whether cid belongs to the spec.
func (s QueryChannelsSpec) HasCID(cid string) bool {
	return slices.Contains(s.CIDs, cid)
}

// withCIDs appends cids not yet present, keeping first-seen order.
func (s QueryChannelsSpec) withCIDs(cids ...string) QueryChannelsSpec {
	out := slices.Clone(s.CIDs)
	for _, cid := range cids {
		if !slices.Contains(out, cid) {
			out = append(out, cid)
		}
	}
	s.CIDs = out
	return s
}

func (s QueryChannelsSpec) withoutCIDs(cids ...string) QueryChannelsSpec {
	s.CIDs = slices.DeleteFunc(slices.Clone(s.CIDs), func(c string) bool {
		return slices.Contains(cids, c)
	})
	return s
}

// QueryChannelsRequest is one page of a channel list query.
type QueryChannelsRequest struct {
	Filter       Filter    `json:"filter_conditions"`
	Sort         QuerySort `json:"sort,omitempty"`
	Offset       int       `json:"offset"`
	Limit        int       `json:"limit"`
	MessageLimit int       `json:"message_limit"`
	MemberLimit  int       `json:"member_limit"`
	Watch        bool      `json:"watch"`
	State        bool      `json:"state"`
	Presence     bool      `json:"presence"`
}

func (r QueryChannelsRequest) IsFirstPage() bool { return r.Offset == 0 }

// WithPage returns a copy of the request for another window.
func (r QueryChannelsRequest) WithPage(offset, limit int) QueryChannelsRequest {
	r.Offset = offset
	r.Limit = limit
	return r
}

// MessagePagination selects a page of messages relative to a message id.
type MessagePagination struct {
	Limit int    `json:"limit,omitempty"`
	IDLt  string `json:"id_lt,omitempty"`
	IDGt  string `json:"id_gt,omitempty"`
}

// QueryChannelRequest fetches the state of a single channel.
type QueryChannelRequest struct {
	Watch    bool               `json:"watch"`
	State    bool               `json:"state"`
	Presence bool               `json:"presence"`
	Messages *MessagePagination `json:"messages,omitempty"`
	Members  *MemberPagination  `json:"members,omitempty"`
}

type MemberPagination struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}
