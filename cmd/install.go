package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/install"
)

var installCmd = &cobra.Command{
	Use:   "install <package.wad>",
	Short: "installs a title from a local package file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := setupCmd(ConfigInput{})
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		installer := &install.Installer{
			Store:   store,
			Cache:   store,
			Policy:  es.SignaturePolicy{ChecksEnabled: config.EnableSignatureChecks},
			Confirm: askYesNo,
		}
		if err := installer.InstallWAD(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to install %s: %w", args[0], err)
		}

		cmd.Printf("installed %s\n", args[0])
		return nil
	},
}

// askYesNo prompts on the terminal. Anything but an explicit yes declines.
func askYesNo(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
