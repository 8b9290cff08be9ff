package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/piwibardy/strava-mcp-http/internal/strava"
)

// All tools are read-only against Strava; annotate them so clients can
// invoke without confirmation prompts.
func readOnlyAnnotations() *mcp.ToolAnnotations {
	open := false
	return &mcp.ToolAnnotations{
		ReadOnlyHint:   true,
		IdempotentHint: true,
		OpenWorldHint:  &open,
	}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "get_user_activities",
		Description: "Get the authenticated user's activities. Supports epoch-second " +
			"before/after filters and pagination.",
		Annotations: readOnlyAnnotations(),
	}, s.getUserActivities)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_activity",
		Description: "Get details of a specific activity, optionally including all segment efforts.",
		Annotations: readOnlyAnnotations(),
	}, s.getActivity)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_activity_segments",
		Description: "Get the segment efforts of a specific activity.",
		Annotations: readOnlyAnnotations(),
	}, s.getActivitySegments)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "get_rate_limit_status",
		Description: "Get the current Strava API rate limit status from the most recent " +
			"API call. Use this to check remaining quota before making multiple requests.",
		Annotations: readOnlyAnnotations(),
	}, s.getRateLimitStatus)
}

type activitiesInput struct {
	Before  int64 `json:"before,omitempty" jsonschema:"Epoch timestamp; only activities before this time"`
	After   int64 `json:"after,omitempty" jsonschema:"Epoch timestamp; only activities after this time"`
	Page    int   `json:"page,omitempty" jsonschema:"Page number, starting at 1"`
	PerPage int   `json:"per_page,omitempty" jsonschema:"Number of items per page, default 30"`
}

type activitiesOutput struct {
	Activities []strava.Activity `json:"activities"`
}

func (s *Server) getUserActivities(ctx context.Context, req *mcp.CallToolRequest, in activitiesInput) (*mcp.CallToolResult, activitiesOutput, error) {
	svc, err := s.serviceFor(ctx)
	if err != nil {
		return nil, activitiesOutput{}, err
	}
	activities, err := svc.Activities(ctx, in.Before, in.After, in.Page, in.PerPage)
	if err != nil {
		return nil, activitiesOutput{}, err
	}
	if activities == nil {
		activities = []strava.Activity{}
	}
	return nil, activitiesOutput{Activities: activities}, nil
}

type activityInput struct {
	ActivityID        int64 `json:"activity_id" jsonschema:"The ID of the activity"`
	IncludeAllEfforts bool  `json:"include_all_efforts,omitempty" jsonschema:"Whether to include all segment efforts"`
}

func (s *Server) getActivity(ctx context.Context, req *mcp.CallToolRequest, in activityInput) (*mcp.CallToolResult, *strava.DetailedActivity, error) {
	svc, err := s.serviceFor(ctx)
	if err != nil {
		return nil, nil, err
	}
	activity, err := svc.Activity(ctx, in.ActivityID, in.IncludeAllEfforts)
	if err != nil {
		return nil, nil, err
	}
	return nil, activity, nil
}

type segmentsInput struct {
	ActivityID int64 `json:"activity_id" jsonschema:"The ID of the activity"`
}

type segmentsOutput struct {
	SegmentEfforts []strava.SegmentEffort `json:"segment_efforts"`
}

func (s *Server) getActivitySegments(ctx context.Context, req *mcp.CallToolRequest, in segmentsInput) (*mcp.CallToolResult, segmentsOutput, error) {
	svc, err := s.serviceFor(ctx)
	if err != nil {
		return nil, segmentsOutput{}, err
	}
	segments, err := svc.ActivitySegments(ctx, in.ActivityID)
	if err != nil {
		return nil, segmentsOutput{}, err
	}
	return nil, segmentsOutput{SegmentEfforts: segments}, nil
}

type rateLimitInput struct{}

type rateLimitWindow struct {
	Usage     int `json:"usage"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type rateLimitOutput struct {
	ShortTerm rateLimitWindow `json:"short_term"`
	Daily     rateLimitWindow `json:"daily"`
}

func (s *Server) getRateLimitStatus(ctx context.Context, req *mcp.CallToolRequest, in rateLimitInput) (*mcp.CallToolResult, rateLimitOutput, error) {
	svc, err := s.serviceFor(ctx)
	if err != nil {
		return nil, rateLimitOutput{}, err
	}
	rl := svc.RateLimits()
	return nil, rateLimitOutput{
		ShortTerm: rateLimitWindow{
			Usage:     rl.ShortUsage,
			Limit:     rl.ShortLimit,
			Remaining: rl.ShortLimit - rl.ShortUsage,
		},
		Daily: rateLimitWindow{
			Usage:     rl.DailyUsage,
			Limit:     rl.DailyLimit,
			Remaining: rl.DailyLimit - rl.DailyUsage,
		},
	}, nil
}
