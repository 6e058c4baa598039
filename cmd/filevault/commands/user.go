package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/filevault/filevault/pkg/config"
	"github.com/filevault/filevault/pkg/portal/models"
	"github.com/filevault/filevault/pkg/portal/store"
)

var (
	userAddEmail       string
	userAddDisplayName string
	userAddAdmin       bool
)

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users (add, delete, list, passwd)",
		Long: `Manage FileVault user accounts directly in the portal database.

The server does not need to be running. Commands operate on the database
configured in the config file.

Examples:
  filevault user add alice --email alice@example.com
  filevault user add root --email root@example.com --admin
  filevault user passwd alice
  filevault user list
  filevault user delete alice`,
	}

	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a new user (prompts for password)",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserAdd,
	}
	addCmd.Flags().StringVar(&userAddEmail, "email", "", "Email address (required)")
	addCmd.Flags().StringVar(&userAddDisplayName, "display-name", "", "Display name")
	addCmd.Flags().BoolVar(&userAddAdmin, "admin", false, "Grant the admin role")
	_ = addCmd.MarkFlagRequired("email")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all users",
		Args:    cobra.NoArgs,
		RunE:    runUserList,
	}

	deleteCmd := &cobra.Command{
		Use:     "delete <username>",
		Aliases: []string{"remove"},
		Short:   "Delete a user",
		Args:    cobra.ExactArgs(1),
		RunE:    runUserDelete,
	}

	passwdCmd := &cobra.Command{
		Use:     "passwd <username>",
		Aliases: []string{"password"},
		Short:   "Change user password",
		Args:    cobra.ExactArgs(1),
		RunE:    runUserPasswd,
	}

	userCmd.AddCommand(addCmd, listCmd, deleteCmd, passwdCmd)
	return userCmd
}

// openStore loads the configuration and opens the portal database.
func openStore() (*store.GORMStore, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	return store.New(&cfg.Database)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	username := args[0]

	portalStore, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open portal store: %w", err)
	}
	defer func() { _ = portalStore.Close() }()

	ctx := context.Background()

	if _, err := portalStore.GetUser(ctx, username); err == nil {
		return fmt.Errorf("user %q already exists", username)
	}

	password, err := promptNewPassword()
	if err != nil {
		return err
	}

	role := models.RoleUser
	if userAddAdmin {
		role = models.RoleAdmin
	}

	user := &models.User{
		Username:    username,
		Email:       userAddEmail,
		DisplayName: userAddDisplayName,
		Role:        string(role),
		Enabled:     true,
	}

	if _, err := portalStore.CreateUser(ctx, user, password); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("User %q created (role: %s)\n", username, role)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	portalStore, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open portal store: %w", err)
	}
	defer func() { _ = portalStore.Close() }()

	users, err := portalStore.ListUsers(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Username", "Email", "Role", "Enabled", "Last Login"})
	for _, u := range users {
		enabled := "yes"
		if !u.Enabled {
			enabled = "no"
		}
		lastLogin := "-"
		if u.LastLogin != nil {
			lastLogin = u.LastLogin.Format(time.RFC3339)
		}
		table.Append([]string{u.Username, u.Email, u.Role, enabled, lastLogin})
	}
	table.Render()

	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	username := args[0]

	portalStore, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open portal store: %w", err)
	}
	defer func() { _ = portalStore.Close() }()

	if err := portalStore.DeleteUser(context.Background(), username); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return fmt.Errorf("user %q not found", username)
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}

	fmt.Printf("User %q deleted\n", username)
	return nil
}

func runUserPasswd(cmd *cobra.Command, args []string) error {
	username := args[0]

	portalStore, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open portal store: %w", err)
	}
	defer func() { _ = portalStore.Close() }()

	ctx := context.Background()

	if _, err := portalStore.GetUser(ctx, username); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return fmt.Errorf("user %q not found", username)
		}
		return fmt.Errorf("failed to look up user: %w", err)
	}

	password, err := promptNewPassword()
	if err != nil {
		return err
	}

	if err := portalStore.SetPassword(ctx, username, password); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}

	fmt.Printf("Password changed for user %q\n", username)
	return nil
}

// promptNewPassword prompts for a password with confirmation. Input is
// masked; the same minimum length the registration endpoint enforces
// applies here.
func promptNewPassword() (string, error) {
	prompt := promptui.Prompt{
		Label: "Password",
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}
			return nil
		},
	}
	password, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	confirmPrompt := promptui.Prompt{
		Label: "Confirm password",
		Mask:  '*',
	}
	confirm, err := confirmPrompt.Run()
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}

	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}

	return password, nil
}
