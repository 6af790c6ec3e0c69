package constants

// Пути по умолчанию относительно рабочей директории процесса
const (
	// DefaultEnvPath is read before the config so ${VAR} references can resolve from it.
	DefaultEnvPath = "./.env"

	// DefaultConfigPath is used by serve and config when no file is given.
	// serve falls back to built-in defaults when it is missing.
	DefaultConfigPath = "./config.toml"
)
