package util

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kvasir-db/kvasir/rpc/client"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitEnv loads .env files and sets up viper's environment binding.
// Environment variables use the KVASIR_ prefix (e.g. KVASIR_ADDRESS).
func InitEnv() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("kvasir")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// SetupClientFlags adds the connection flags shared by every client
// command group.
func SetupClientFlags(cmd *cobra.Command) {
	key := "address"
	cmd.PersistentFlags().String(key, "localhost:2524", WrapString("The address of the kvasir server"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The request timeout in seconds (0 for no timeout)"))
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// DialClient connects to the server configured via flags/environment.
func DialClient() (*client.Client, error) {
	timeout := time.Duration(viper.GetInt("timeout")) * time.Second
	return client.Dial(viper.GetString("address"), timeout)
}
