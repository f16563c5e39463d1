/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"log"
	"os"
	"strconv"
	"strings"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DB_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	if databasePortStr := os.Getenv("DB_PORT"); databasePortStr != "" {
		databasePort, err := strconv.Atoi(databasePortStr)
		if err != nil {
			log.Fatalf("given database port (%s) is not a valid int", databasePortStr)
		}
		return databasePort
	}
	return defaultPostgresPort
}

// GetServicePort returns the port the HTTP adapter should listen on. The
// default depends on NODE_ENV: test gets an ephemeral-range port so test
// runs don't collide with a locally running dev server.
func GetServicePort() int {
	if portStr := os.Getenv("PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("given port (%s) is not a valid int", portStr)
		}
		return port
	}
	switch GetEnvOrElse("NODE_ENV", "dev") {
	case "test":
		return 1235
	case "prod":
		return 4000
	default:
		return 3000
	}
}

// GetEnvOrElse returns the value of the given environment
// variable, or the provided default value if the env variable
// does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}

// GetEnvOrFail returns the value of the given env variable,
// quitting the program if it doesn't exist. It should be used
// in cases where there's absolutely no recovery options, and
// the user should get told about this as soon as possible.
func GetEnvOrFail(env string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		log.Fatalf("%s is not set!", env)
	}
	return found
}

// GetEnvAsList splits the given env var on commas, dropping empty
// elements. An unset variable yields an empty list.
func GetEnvAsList(env string) []string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return nil
	}
	var elements []string
	for _, element := range strings.Split(found, ",") {
		element = strings.TrimSpace(element)
		if element != "" {
			elements = append(elements, element)
		}
	}
	return elements
}
