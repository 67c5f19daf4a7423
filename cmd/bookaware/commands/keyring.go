package commands

import (
	"fmt"
	"os"
	"strings"

	"bookaware/internal/components/serviceutil"
	"bookaware/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	keyringCmd.AddCommand(keyringSetCmd)
	keyringCmd.AddCommand(keyringDeleteCmd)
	rootCmd.AddCommand(keyringCmd)
}

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manages the account password stored in the OS keyring.",
}

var keyringSetCmd = &cobra.Command{
	Use:   "set <account>",
	Short: "Prompts for a password and stores it under <account>, reference it with password_keyring.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			serviceutil.Fatal("failed to read password", err)
		}

		err = config.SetKeyringPassword(args[0], strings.TrimSpace(string(password)))
		if err != nil {
			serviceutil.Fatal("failed to store password", err)
		}
		fmt.Fprintf(os.Stderr, "stored password for %q\n", args[0])
	},
}

var keyringDeleteCmd = &cobra.Command{
	Use:   "delete <account>",
	Short: "Removes the password stored under <account>.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := config.DeleteKeyringPassword(args[0])
		if err != nil {
			serviceutil.Fatal("failed to delete password", err)
		}
	},
}
