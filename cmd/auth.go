package cmd

import (
	"fmt"

	"github.com/abhisek/lessonsync/internal/session"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store tokens locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if email, err = prompt("Email", email); err != nil {
			return err
		}
		if password, err = prompt("Password", password); err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := e.app.Session().Login(ctx, email, password); err != nil {
			return err
		}
		s := e.app.Session().Session()
		fmt.Printf("Logged in as %s\n", s.UserEmail)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and log in",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		confirm, _ := cmd.Flags().GetString("confirm")

		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if email, err = prompt("Email", email); err != nil {
			return err
		}
		if password, err = prompt("Password", password); err != nil {
			return err
		}
		if confirm, err = prompt("Confirm password", confirm); err != nil {
			return err
		}
		if err := session.ValidateConfirmation(password, confirm); err != nil {
			return err
		}

		if err := e.app.Session().Register(cmd.Context(), email, password); err != nil {
			return err
		}
		fmt.Printf("Registered and logged in as %s\n", email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Flush pending completions, then clear the session and local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		if err := e.app.Session().CheckAndRefreshAccessToken(ctx); err != nil {
			e.log.Warn("token check before logout", "error", err)
		}
		pending, err := e.app.Queue().Len(ctx, e.app.Session().Email())
		if err != nil {
			return err
		}
		if err := e.app.Logout(ctx); err != nil {
			return err
		}
		if pending > 0 {
			fmt.Printf("Logged out (%d pending completion(s) were flushed or discarded)\n", pending)
			return nil
		}
		fmt.Println("Logged out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session and sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		checkErr := e.app.Session().CheckAndRefreshAccessToken(ctx)
		s := e.app.Session().Session()
		pending, err := e.app.Queue().Len(ctx, s.UserEmail)
		if err != nil {
			return err
		}

		fmt.Printf("State:          %s\n", s.State)
		if s.UserEmail != "" {
			fmt.Printf("Email:          %s\n", s.UserEmail)
		}
		fmt.Printf("Paying user:    %t\n", s.IsPayingUser)
		fmt.Printf("Pending sync:   %d task(s)\n", pending)
		if checkErr != nil {
			fmt.Printf("Last check:     %s\n", userMessage(checkErr))
		}
		return nil
	},
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password",
	Short: "Reset a forgotten password",
}

var resetRequestCmd = &cobra.Command{
	Use:   "request <email>",
	Short: "Email a reset code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.app.Session().RequestPasswordReset(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Reset code sent. Check your email.")
		return nil
	},
}

var resetVerifyCmd = &cobra.Command{
	Use:   "verify <email> <code>",
	Short: "Check a reset code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.app.Session().VerifyResetCode(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Code accepted.")
		return nil
	},
}

var resetSetCmd = &cobra.Command{
	Use:   "set <email> <code>",
	Short: "Set a new password with a verified code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		confirm, _ := cmd.Flags().GetString("confirm")

		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if password, err = prompt("New password", password); err != nil {
			return err
		}
		if confirm, err = prompt("Confirm password", confirm); err != nil {
			return err
		}
		if err := e.app.Session().SetNewPassword(cmd.Context(), args[0], args[1], password, confirm); err != nil {
			return err
		}
		fmt.Println("Password updated. You can log in now.")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().String("email", "", "Account email (prompted when empty)")
		c.Flags().String("password", "", "Account password (prompted when empty)")
	}
	registerCmd.Flags().String("confirm", "", "Password confirmation (prompted when empty)")

	resetSetCmd.Flags().String("password", "", "New password (prompted when empty)")
	resetSetCmd.Flags().String("confirm", "", "Password confirmation (prompted when empty)")

	resetPasswordCmd.AddCommand(resetRequestCmd)
	resetPasswordCmd.AddCommand(resetVerifyCmd)
	resetPasswordCmd.AddCommand(resetSetCmd)
}
