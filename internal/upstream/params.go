package upstream

import (
	"net/url"
	"strconv"

	"github.com/protosnap/protosnap/internal/config"
)

// ListParams are the /prototype/list query parameters. Zero values are
// omitted from the query.
type ListParams struct {
	Offset      int    `json:"offset,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	PrototypeID int    `json:"prototypeId,omitempty"`
	Status      int    `json:"status,omitempty"`
	UserNm      string `json:"userNm,omitempty"`
	TagNm       string `json:"tagNm,omitempty"`
	EventNm     string `json:"eventNm,omitempty"`
	MaterialNm  string `json:"materialNm,omitempty"`
}

// ParamsFromConfig converts configured fetch defaults to ListParams.
func ParamsFromConfig(d config.FetchDefaults) ListParams {
	return ListParams{
		Offset:      d.Offset,
		Limit:       d.Limit,
		PrototypeID: d.PrototypeID,
		Status:      d.Status,
		UserNm:      d.UserNm,
		TagNm:       d.TagNm,
		EventNm:     d.EventNm,
		MaterialNm:  d.MaterialNm,
	}
}

// Merge returns p with every non-zero field of over applied on top.
func (p ListParams) Merge(over ListParams) ListParams {
	if over.Offset != 0 {
		p.Offset = over.Offset
	}
	if over.Limit != 0 {
		p.Limit = over.Limit
	}
	if over.PrototypeID != 0 {
		p.PrototypeID = over.PrototypeID
	}
	if over.Status != 0 {
		p.Status = over.Status
	}
	if over.UserNm != "" {
		p.UserNm = over.UserNm
	}
	if over.TagNm != "" {
		p.TagNm = over.TagNm
	}
	if over.EventNm != "" {
		p.EventNm = over.EventNm
	}
	if over.MaterialNm != "" {
		p.MaterialNm = over.MaterialNm
	}
	return p
}

// Query encodes p as URL query values.
func (p ListParams) Query() url.Values {
	q := url.Values{}
	setInt := func(k string, v int) {
		if v != 0 {
			q.Set(k, strconv.Itoa(v))
		}
	}
	setStr := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setInt("offset", p.Offset)
	setInt("limit", p.Limit)
	setInt("prototypeId", p.PrototypeID)
	setInt("status", p.Status)
	setStr("userNm", p.UserNm)
	setStr("tagNm", p.TagNm)
	setStr("eventNm", p.EventNm)
	setStr("materialNm", p.MaterialNm)
	return q
}
