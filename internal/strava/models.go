package strava

import "encoding/json"

// AthleteRef is the summary athlete reference embedded in activities and
// segment efforts.
type AthleteRef struct {
	ID int64 `json:"id"`
}

// Athlete is the athlete summary returned by the token exchange.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	Firstname string `json:"firstname,omitempty"`
	Lastname  string `json:"lastname,omitempty"`
	City      string `json:"city,omitempty"`
	Country   string `json:"country,omitempty"`
}

// PolylineMap is the map summary attached to an activity.
type PolylineMap struct {
	ID              string `json:"id"`
	Polyline        string `json:"polyline,omitempty"`
	SummaryPolyline string `json:"summary_polyline,omitempty"`
}

// Activity is a summary activity as returned by GET /athlete/activities.
type Activity struct {
	ID                 int64        `json:"id"`
	Name               string       `json:"name"`
	Distance           float64      `json:"distance"`
	MovingTime         int          `json:"moving_time"`
	ElapsedTime        int          `json:"elapsed_time"`
	TotalElevationGain float64      `json:"total_elevation_gain"`
	Type               string       `json:"type"`
	SportType          string       `json:"sport_type"`
	WorkoutType        *int         `json:"workout_type,omitempty"`
	StartDate          string       `json:"start_date"`
	StartDateLocal     string       `json:"start_date_local"`
	Timezone           string       `json:"timezone"`
	AchievementCount   int          `json:"achievement_count"`
	KudosCount         int          `json:"kudos_count"`
	CommentCount       int          `json:"comment_count"`
	AthleteCount       int          `json:"athlete_count"`
	PhotoCount         int          `json:"photo_count"`
	Map                *PolylineMap `json:"map,omitempty"`
	Trainer            bool         `json:"trainer"`
	Commute            bool         `json:"commute"`
	Manual             bool         `json:"manual"`
	Private            bool         `json:"private"`
	Flagged            bool         `json:"flagged"`
	AverageSpeed       float64      `json:"average_speed"`
	MaxSpeed           float64      `json:"max_speed"`
	AverageWatts       *float64     `json:"average_watts,omitempty"`
	Kilojoules         *float64     `json:"kilojoules,omitempty"`
	HasHeartrate       bool         `json:"has_heartrate"`
	AverageHeartrate   *float64     `json:"average_heartrate,omitempty"`
	MaxHeartrate       *float64     `json:"max_heartrate,omitempty"`
	ElevHigh           *float64     `json:"elev_high,omitempty"`
	ElevLow            *float64     `json:"elev_low,omitempty"`
	SufferScore        *float64     `json:"suffer_score,omitempty"`
}

// Split is a per-kilometre or per-mile split within a detailed activity.
type Split struct {
	Distance            float64  `json:"distance"`
	ElapsedTime         int      `json:"elapsed_time"`
	ElevationDifference *float64 `json:"elevation_difference,omitempty"`
	MovingTime          int      `json:"moving_time"`
	Split               int      `json:"split"`
	AverageSpeed        float64  `json:"average_speed"`
	PaceZone            *int     `json:"pace_zone,omitempty"`
}

// Gear is the equipment summary attached to a detailed activity.
type Gear struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Primary  bool    `json:"primary,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

// DetailedActivity is the full payload of GET /activities/{id}. Segment
// efforts are kept raw: ActivitySegments normalizes them before returning
// typed records, matching what the Strava payload actually contains.
type DetailedActivity struct {
	Activity

	Athlete        *AthleteRef       `json:"athlete,omitempty"`
	Description    string            `json:"description,omitempty"`
	Calories       *float64          `json:"calories,omitempty"`
	SegmentEfforts []json.RawMessage `json:"segment_efforts,omitempty"`
	SplitsMetric   []Split           `json:"splits_metric,omitempty"`
	SplitsStandard []Split           `json:"splits_standard,omitempty"`
	Gear           *Gear             `json:"gear,omitempty"`
	DeviceName     string            `json:"device_name,omitempty"`
	EmbedToken     string            `json:"embed_token,omitempty"`
}

// Segment is the segment summary nested in a segment effort.
type Segment struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	ActivityType       string    `json:"activity_type"`
	Distance           float64   `json:"distance"`
	AverageGrade       float64   `json:"average_grade"`
	MaximumGrade       float64   `json:"maximum_grade"`
	ElevationHigh      float64   `json:"elevation_high"`
	ElevationLow       float64   `json:"elevation_low"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	StartLatlng        []float64 `json:"start_latlng,omitempty"`
	EndLatlng          []float64 `json:"end_latlng,omitempty"`
	ClimbCategory      int       `json:"climb_category"`
	City               string    `json:"city,omitempty"`
	State              string    `json:"state,omitempty"`
	Country            string    `json:"country,omitempty"`
	Private            bool      `json:"private"`
	Starred            bool      `json:"starred"`
}

// SegmentEffort is a normalized segment effort. ActivityID and SegmentID
// are filled in from context since Strava nests them rather than exposing
// flat fields.
type SegmentEffort struct {
	ID               int64       `json:"id"`
	ActivityID       int64       `json:"activity_id"`
	SegmentID        int64       `json:"segment_id"`
	Name             string      `json:"name"`
	ElapsedTime      int         `json:"elapsed_time"`
	MovingTime       int         `json:"moving_time"`
	StartDate        string      `json:"start_date"`
	StartDateLocal   string      `json:"start_date_local"`
	Distance         float64     `json:"distance"`
	Athlete          *AthleteRef `json:"athlete,omitempty"`
	Segment          Segment     `json:"segment"`
	AverageWatts     *float64    `json:"average_watts,omitempty"`
	DeviceWatts      *bool       `json:"device_watts,omitempty"`
	AverageHeartrate *float64    `json:"average_heartrate,omitempty"`
	MaxHeartrate     *float64    `json:"max_heartrate,omitempty"`
	PRRank           *int        `json:"pr_rank,omitempty"`
	KOMRank          *int        `json:"kom_rank,omitempty"`
	Hidden           *bool       `json:"hidden,omitempty"`
}

// Fault is Strava's error payload.
type Fault struct {
	Message string `json:"message"`
	Errors  []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
	} `json:"errors,omitempty"`
}
