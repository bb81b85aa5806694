package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/nus"
	"github.com/nandsync/nandsync/update"
)

var updateRegion string

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "fetches and installs the full system update set from the update service",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := setupCmd(ConfigInput{Region: updateRegion})
		if err != nil {
			return err
		}
		store, err := openStore(config)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		updater := &update.Updater{
			Store:   store,
			Cache:   store,
			Catalog: nus.NewClient(config.NUSURL),
			Policy:  es.SignaturePolicy{ChecksEnabled: config.EnableSignatureChecks},
			Confirm: askYesNo,
		}

		result := updater.RunUpdate(ctx, func(processed, total int, titleID uint64) bool {
			cmd.Printf("[%d/%d] title %016x\n", processed, total, titleID)
			// A context cancelled by the close handler stops the run at
			// the next title boundary.
			return ctx.Err() == nil
		}, config.Region)

		switch result {
		case update.Succeeded:
			cmd.Println("system update finished")
		case update.AlreadyUpToDate:
			cmd.Println("system is already up to date")
		case update.Cancelled:
			cmd.Println("system update cancelled")
		default:
			return fmt.Errorf("system update failed: %s", result)
		}
		return nil
	},
}

func init() {
	updateCmd.PersistentFlags().StringVar(&updateRegion, "region", "",
		"region of the update set (JPN, USA, EUR or KOR). Defaults to the region of the installed system menu")
}
