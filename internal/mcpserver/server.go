package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/upstream"
	"github.com/protosnap/protosnap/pkg/types"
)

// MaxSampleSize caps sample_prototypes.
const MaxSampleSize = 1000

// Repository is the subset of *repository.Repository the tools call.
type Repository interface {
	SetupSnapshot(ctx context.Context, params upstream.ListParams) (store.Stats, error)
	RefreshSnapshot(ctx context.Context) (store.Stats, error)
	PrototypeFromSnapshot(id int) (types.Prototype, bool)
	PrototypeIDsFromSnapshot() []int
	RandomPrototypeFromSnapshot() (types.Prototype, bool)
	RandomSampleFromSnapshot(k int) []types.Prototype
	AnalyzePrototypes() repository.IDRange
	Stats() store.Stats
	Config() store.Config
	Counters() repository.Counters
}

// Options configures New. Zero values select defaults.
type Options struct {
	Implementation *mcp.Implementation
	Instructions   string
	Logger         *slog.Logger
}

// Server is an MCP server whose tools read and refresh one snapshot.
type Server struct {
	mcpServer *mcp.Server
	repo      Repository
	log       *slog.Logger
}

// New builds a Server over repo and registers every tool.
func New(repo Repository, opts Options) *Server {
	impl := opts.Implementation
	if impl == nil {
		impl = &mcp.Implementation{Name: "protosnap", Version: "v1.0.0"}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	server := mcp.NewServer(impl, &mcp.ServerOptions{Instructions: opts.Instructions})
	s := &Server{mcpServer: server, repo: repo, log: log}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_prototype",
		Description: "Return one prototype from the snapshot by ID.",
	}, s.getPrototype)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "random_prototype",
		Description: "Return one prototype chosen uniformly at random from the snapshot.",
	}, s.randomPrototype)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sample_prototypes",
		Description: "Return up to size distinct prototypes chosen at random from the snapshot.",
	}, s.samplePrototypes)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "prototype_ids",
		Description: "List the IDs of every prototype in the snapshot, in snapshot order.",
	}, s.prototypeIDs)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_prototypes",
		Description: "Return the smallest and largest prototype ID in the snapshot.",
	}, s.analyzePrototypes)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "snapshot_stats",
		Description: "Describe the snapshot: size, age, expiry and whether a fetch is in flight.",
	}, s.snapshotStats)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "refresh_snapshot",
		Description: "Fetch a new snapshot from ProtoPedia. Without parameters the last fetch is repeated.",
	}, s.refreshSnapshot)

	return s
}

// Run serves MCP on transport until ctx is done or the peer disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// EmptyInput is the input of tools that take no arguments.
type EmptyInput struct{}

// GetPrototypeInput is the get_prototype input.
type GetPrototypeInput struct {
	ID int `json:"id" jsonschema:"prototype id"`
}

func (s *Server) getPrototype(_ context.Context, _ *mcp.CallToolRequest, input GetPrototypeInput) (*mcp.CallToolResult, any, error) {
	p, ok := s.repo.PrototypeFromSnapshot(input.ID)
	if !ok {
		return nil, nil, fmt.Errorf("prototype %d is not in the snapshot", input.ID)
	}
	return jsonResult(p)
}

func (s *Server) randomPrototype(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	p, ok := s.repo.RandomPrototypeFromSnapshot()
	if !ok {
		return nil, nil, fmt.Errorf("snapshot is empty")
	}
	return jsonResult(p)
}

// SampleInput is the sample_prototypes input.
type SampleInput struct {
	Size int `json:"size" jsonschema:"number of prototypes to return, at most 1000"`
}

func (s *Server) samplePrototypes(_ context.Context, _ *mcp.CallToolRequest, input SampleInput) (*mcp.CallToolResult, any, error) {
	if input.Size < 0 || input.Size > MaxSampleSize {
		return nil, nil, fmt.Errorf("size must be between 0 and %d", MaxSampleSize)
	}
	return jsonResult(s.repo.RandomSampleFromSnapshot(input.Size))
}

// IDsOutput is the prototype_ids result.
type IDsOutput struct {
	Count int   `json:"count"`
	IDs   []int `json:"ids"`
}

func (s *Server) prototypeIDs(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, IDsOutput, error) {
	ids := s.repo.PrototypeIDsFromSnapshot()
	if ids == nil {
		ids = []int{}
	}
	return nil, IDsOutput{Count: len(ids), IDs: ids}, nil
}

// AnalyzeOutput is the analyze_prototypes result.
type AnalyzeOutput struct {
	Min *int `json:"min,omitempty" jsonschema:"smallest prototype id; absent when the snapshot is empty"`
	Max *int `json:"max,omitempty" jsonschema:"largest prototype id; absent when the snapshot is empty"`
}

func (s *Server) analyzePrototypes(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, AnalyzeOutput, error) {
	r := s.repo.AnalyzePrototypes()
	return nil, AnalyzeOutput{Min: r.Min, Max: r.Max}, nil
}

// StatsOutput flattens store.Stats and store.Config into schema-friendly
// scalars.
type StatsOutput struct {
	Size                int     `json:"size"`
	CachedAt            string  `json:"cachedAt,omitempty" jsonschema:"RFC 3339 time of the last successful fetch"`
	IsExpired           bool    `json:"isExpired"`
	RemainingTTLSeconds float64 `json:"remainingTtlSeconds"`
	TTLSeconds          float64 `json:"ttlSeconds"`
	DataSizeBytes       int64   `json:"dataSizeBytes"`
	MaxDataSizeBytes    int64   `json:"maxDataSizeBytes"`
	RefreshInFlight     bool    `json:"refreshInFlight"`
	Flights             uint64  `json:"flights"`
}

func (s *Server) snapshotStats(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, StatsOutput, error) {
	return nil, s.statsOutput(s.repo.Stats()), nil
}

// RefreshInput is the refresh_snapshot input. All fields empty repeats the
// last fetch; otherwise the params are merged over the defaults.
type RefreshInput struct {
	upstream.ListParams
}

func (s *Server) refreshSnapshot(ctx context.Context, _ *mcp.CallToolRequest, input RefreshInput) (*mcp.CallToolResult, StatsOutput, error) {
	var (
		st  store.Stats
		err error
	)
	if input.ListParams == (upstream.ListParams{}) {
		st, err = s.repo.RefreshSnapshot(ctx)
	} else {
		st, err = s.repo.SetupSnapshot(ctx, input.ListParams)
	}
	if err != nil {
		s.log.Warn("mcp: refresh_snapshot failed", "err", err)
		return nil, StatsOutput{}, err
	}
	return nil, s.statsOutput(st), nil
}

func (s *Server) statsOutput(st store.Stats) StatsOutput {
	cfg := s.repo.Config()
	out := StatsOutput{
		Size:                st.Size,
		IsExpired:           st.IsExpired,
		RemainingTTLSeconds: st.RemainingTTL.Seconds(),
		TTLSeconds:          cfg.TTL.Seconds(),
		DataSizeBytes:       st.DataSizeBytes,
		MaxDataSizeBytes:    cfg.MaxDataSizeBytes,
		RefreshInFlight:     st.RefreshInFlight,
		Flights:             s.repo.Counters().Flights,
	}
	if st.CachedAt != nil {
		out.CachedAt = st.CachedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// jsonResult returns v as a single text content block. Prototype payloads
// carry timestamps, so they go out as text rather than structured content.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil, nil
}
