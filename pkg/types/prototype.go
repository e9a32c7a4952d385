package types

import "time"

// Status values reported by ProtoPedia for a prototype's development stage.
const (
	StatusIdea       = 1
	StatusDeveloping = 2
	StatusCompleted  = 3
	StatusRetired    = 4
)

// Prototype is one normalized ProtoPedia listing.
//
// Values are immutable once stored in a snapshot: callers receive them by
// value, but the slice fields share backing arrays with the snapshot and must
// not be modified.
type Prototype struct {
	ID           int    `json:"id"`
	Name         string `json:"prototypeNm"`
	Summary      string `json:"summary"`
	FreeComment  string `json:"freeComment"`
	SystemDesc   string `json:"systemDescription"`
	TeamName     string `json:"teamNm"`
	Status       int    `json:"status"`
	ReleaseFlag  int    `json:"releaseFlg"`
	LicenseType  int    `json:"licenseType"`
	ThanksFlag   int    `json:"thanksFlg"`
	OfficialLink string `json:"officialLink"`
	MainURL      string `json:"mainUrl"`
	VideoURL     string `json:"videoUrl"`

	Users     []string `json:"users"`
	Tags      []string `json:"tags"`
	Awards    []string `json:"awards"`
	Events    []string `json:"events"`
	Materials []string `json:"materials"`
	Tools     []string `json:"tools"`
	Links     []string `json:"relatedLinks"`

	ViewCount    int `json:"viewCount"`
	GoodCount    int `json:"goodCount"`
	CommentCount int `json:"commentCount"`

	CreateDate  *time.Time `json:"createDate,omitempty"`
	UpdateDate  *time.Time `json:"updateDate,omitempty"`
	ReleaseDate *time.Time `json:"releaseDate,omitempty"`
}

// RecordID returns the prototype ID, the key a snapshot indexes records by.
func (p Prototype) RecordID() int { return p.ID }

// StatusName returns a human-readable label for p.Status.
func (p Prototype) StatusName() string {
	switch p.Status {
	case StatusIdea:
		return "idea"
	case StatusDeveloping:
		return "developing"
	case StatusCompleted:
		return "completed"
	case StatusRetired:
		return "retired"
	default:
		return "unknown"
	}
}
