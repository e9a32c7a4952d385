package upstream

import (
	"strings"
	"time"

	"github.com/protosnap/protosnap/pkg/types"
)

// Record is one prototype as returned by /prototype/list. List-valued fields
// arrive pipe-delimited; dates arrive as JST wall-clock strings.
type Record struct {
	ID                int    `json:"id"`
	PrototypeNm       string `json:"prototypeNm"`
	Summary           string `json:"summary"`
	FreeComment       string `json:"freeComment"`
	SystemDescription string `json:"systemDescription"`
	TeamNm            string `json:"teamNm"`
	Users             string `json:"users"`
	Tags              string `json:"tags"`
	Awards            string `json:"awards"`
	Events            string `json:"events"`
	Materials         string `json:"materials"`
	Tools             string `json:"tools"`
	Status            int    `json:"status"`
	ReleaseFlg        int    `json:"releaseFlg"`
	LicenseType       int    `json:"licenseType"`
	ThanksFlg         int    `json:"thanksFlg"`
	OfficialLink      string `json:"officialLink"`
	MainURL           string `json:"mainUrl"`
	VideoURL          string `json:"videoUrl"`
	RelatedLink       string `json:"relatedLink"`
	RelatedLink2      string `json:"relatedLink2"`
	RelatedLink3      string `json:"relatedLink3"`
	RelatedLink4      string `json:"relatedLink4"`
	RelatedLink5      string `json:"relatedLink5"`
	ViewCount         int    `json:"viewCount"`
	GoodCount         int    `json:"goodCount"`
	CommentCount      int    `json:"commentCount"`
	CreateDate        string `json:"createDate"`
	UpdateDate        string `json:"updateDate"`
	ReleaseDate       string `json:"releaseDate"`
}

// jst is the zone ProtoPedia timestamps are written in. A fixed offset avoids
// depending on the host's tzdata.
var jst = time.FixedZone("JST", 9*60*60)

var timeLayouts = []string{
	"2006-01-02 15:04:05.0",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// Normalize converts a raw record into the stable Prototype shape.
func Normalize(r Record) types.Prototype {
	p := types.Prototype{
		ID:           r.ID,
		Name:         strings.TrimSpace(r.PrototypeNm),
		Summary:      r.Summary,
		FreeComment:  r.FreeComment,
		SystemDesc:   r.SystemDescription,
		TeamName:     strings.TrimSpace(r.TeamNm),
		Status:       r.Status,
		ReleaseFlag:  r.ReleaseFlg,
		LicenseType:  r.LicenseType,
		ThanksFlag:   r.ThanksFlg,
		OfficialLink: strings.TrimSpace(r.OfficialLink),
		MainURL:      strings.TrimSpace(r.MainURL),
		VideoURL:     strings.TrimSpace(r.VideoURL),
		Users:        splitPipe(r.Users),
		Tags:         splitPipe(r.Tags),
		Awards:       splitPipe(r.Awards),
		Events:       splitPipe(r.Events),
		Materials:    splitPipe(r.Materials),
		Tools:        splitPipe(r.Tools),
		ViewCount:    r.ViewCount,
		GoodCount:    r.GoodCount,
		CommentCount: r.CommentCount,
		CreateDate:   parseTime(r.CreateDate),
		UpdateDate:   parseTime(r.UpdateDate),
		ReleaseDate:  parseTime(r.ReleaseDate),
	}

	p.Links = make([]string, 0, 5)
	for _, l := range []string{r.RelatedLink, r.RelatedLink2, r.RelatedLink3, r.RelatedLink4, r.RelatedLink5} {
		if l = strings.TrimSpace(l); l != "" {
			p.Links = append(p.Links, l)
		}
	}
	return p
}

// NormalizeAll normalizes records in order.
func NormalizeAll(records []Record) []types.Prototype {
	out := make([]types.Prototype, len(records))
	for i, r := range records {
		out[i] = Normalize(r)
	}
	return out
}

// splitPipe splits a "a|b|c" field, trimming whitespace and dropping empty
// entries. An empty input yields an empty, non-nil slice.
func splitPipe(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTime parses a JST timestamp and returns it in UTC, or nil when s is
// empty or in no known layout.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, jst); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
