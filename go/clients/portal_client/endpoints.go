package portal_client

const (
	// Default base URL of the portal API
	DefaultBaseURL = "http://localhost:8080"

	// API Endpoints
	ChallengesEndpoint    = "/api/challenges"
	SubmitEndpoint        = "/api/challenges/submit"
	WorkshopStartEndpoint = "/api/workshop/start"
	HealthEndpoint        = "/health"

	// Gateway
	DefaultGatewayURL = "ws://localhost:8081"
	GatewayWSEndpoint = "/ws"
	TokenQueryParam   = "token"
)
