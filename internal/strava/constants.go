package strava

const (
	// Strava OAuth endpoints. These are not configurable: token refresh
	// always talks to strava.com even when the API base URL is overridden
	// for tests.
	AuthorizeURL = "https://www.strava.com/oauth/authorize"
	TokenURL     = "https://www.strava.com/oauth/token"

	// DefaultBaseURL is the Strava REST API root.
	DefaultBaseURL = "https://www.strava.com/api/v3"

	// Scopes requested from Strava during authorization.
	Scopes = "read_all,activity:read,activity:read_all,profile:read_all"
)
