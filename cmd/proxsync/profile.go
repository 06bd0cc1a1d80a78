package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kass/go-proximity-sync/pkg/identity"
	"github.com/kass/go-proximity-sync/pkg/models"
)

var profileFlags struct {
	id     string
	name   string
	email  string
	avatar string
	gender string
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the cached player profile",
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save the player profile",
	Args:  cobra.NoArgs,
	RunE:  runProfileSet,
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved player profile",
	Args:  cobra.NoArgs,
	RunE:  runProfileShow,
}

var profileClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the saved player profile",
	Args:  cobra.NoArgs,
	RunE:  runProfileClear,
}

func init() {
	f := profileSetCmd.Flags()
	f.StringVar(&profileFlags.id, "id", "", "User id (a new one is generated when empty)")
	f.StringVar(&profileFlags.name, "name", "", "Display name")
	f.StringVar(&profileFlags.email, "email", "", "Email")
	f.StringVar(&profileFlags.avatar, "avatar", "", "Avatar id")
	f.StringVar(&profileFlags.gender, "gender", "neutral", "Avatar outfit: neutral, masculine, feminine")

	profileCmd.AddCommand(profileSetCmd, profileShowCmd, profileClearCmd)
}

func parseGender(s string) (models.OutfitGender, error) {
	switch strings.ToLower(s) {
	case "", "neutral":
		return models.OutfitNeutral, nil
	case "masculine":
		return models.OutfitMasculine, nil
	case "feminine":
		return models.OutfitFeminine, nil
	}
	return 0, fmt.Errorf("unknown outfit gender %q", s)
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	gender, err := parseGender(profileFlags.gender)
	if err != nil {
		return err
	}
	id := profileFlags.id
	if id == "" {
		id = uuid.NewString()
	}

	ids, err := openIdentity(cmd.Context())
	if err != nil {
		return err
	}
	defer ids.Close()

	p := models.Profile{
		UserID:             id,
		UserName:           profileFlags.name,
		UserEmail:          profileFlags.email,
		AvatarID:           profileFlags.avatar,
		AvatarOutfitGender: gender,
	}
	if err := ids.Save(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	ids, err := openIdentity(cmd.Context())
	if err != nil {
		return err
	}
	defer ids.Close()

	p, err := ids.Load(cmd.Context())
	if errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("no profile saved, run 'proxsync profile set' first")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:      %s\n", p.UserID)
	fmt.Fprintf(out, "name:    %s\n", p.UserName)
	fmt.Fprintf(out, "email:   %s\n", p.UserEmail)
	fmt.Fprintf(out, "avatar:  %s\n", p.AvatarID)
	fmt.Fprintf(out, "outfit:  %s\n", p.AvatarOutfitGender)
	return nil
}

func runProfileClear(cmd *cobra.Command, args []string) error {
	ids, err := openIdentity(cmd.Context())
	if err != nil {
		return err
	}
	defer ids.Close()
	return ids.Clear(cmd.Context())
}
