// Package common holds configuration and logging shared by the server
// commands: the ServerConfig struct with its startup pretty-printer and
// validation, and the process-wide logger setup.
package common
