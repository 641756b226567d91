package envvar

const (
	// SynlensEnv is the environment variable used to determine the environment
	SynlensEnv = "SYNLENS_ENV"

	// SynlensServerHTTPPort is the environment variable used to determine the HTTP port
	SynlensServerHTTPPort = "SYNLENS_SERVER_HTTP_PORT"

	// SynlensServerGRPCPort is the environment variable used to determine the gRPC port
	SynlensServerGRPCPort = "SYNLENS_SERVER_GRPC_PORT"

	// SynlensModelsPath overrides the directory where models are downloaded
	SynlensModelsPath = "SYNLENS_MODELS_PATH"

	// SynlensOpenAIAPIKey is the API key used by the OpenAI-compatible backend
	SynlensOpenAIAPIKey = "SYNLENS_OPENAI_API_KEY"
)
