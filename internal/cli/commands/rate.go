// Copyright 2025 Stashmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"stashmirror/internal/storage"
)

var (
	rateInstance string
	rateUser     string
	rateValue    int64
	rateClear    bool
	rateFavorite bool
	rateUnfav    bool
)

var rateCmd = &cobra.Command{
	Use:   "rate <entity> <id>",
	Short: "Set a user's rating or favorite mark on an entity",
	Long: `Set a per-user rating (0-100) or favorite mark on one mirrored entity.
With write_back enabled in the config, the change is also pushed to the
upstream source.`,
	Args: cobra.ExactArgs(2),
	RunE: runRate,
}

func init() {
	rateCmd.Flags().StringVar(&rateInstance, "instance", "", "source instance (required)")
	rateCmd.Flags().StringVar(&rateUser, "user", "", "user the rating belongs to (required)")
	rateCmd.Flags().Int64Var(&rateValue, "rating", -1, "rating in 0-100")
	rateCmd.Flags().BoolVar(&rateClear, "clear", false, "clear the rating")
	rateCmd.Flags().BoolVar(&rateFavorite, "favorite", false, "mark as favorite")
	rateCmd.Flags().BoolVar(&rateUnfav, "unfavorite", false, "remove the favorite mark")
	rateCmd.MarkFlagRequired("instance")
	rateCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(rateCmd)
}

func runRate(cmd *cobra.Command, args []string) error {
	entity := storage.EntityType(args[0])
	entityID := args[1]
	if !storage.ValidEntityType(entity) {
		return fmt.Errorf("unknown entity type %q", args[0])
	}

	store, err := openStore(storage.DBContextQuery)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := buildService(store)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	switch {
	case rateClear:
		if err := svc.SetRating(ctx, rateUser, rateInstance, entity, entityID, -1); err != nil {
			return err
		}
		fmt.Printf("Cleared rating on %s %s\n", entity, entityID)
	case cmd.Flags().Changed("rating"):
		if rateValue < 0 || rateValue > 100 {
			return fmt.Errorf("rating must be in 0-100, got %d", rateValue)
		}
		if err := svc.SetRating(ctx, rateUser, rateInstance, entity, entityID, rateValue); err != nil {
			return err
		}
		fmt.Printf("Rated %s %s at %d\n", entity, entityID, rateValue)
	}

	switch {
	case rateFavorite && rateUnfav:
		return fmt.Errorf("--favorite and --unfavorite are mutually exclusive")
	case rateFavorite:
		if err := svc.SetFavorite(ctx, rateUser, rateInstance, entity, entityID, true); err != nil {
			return err
		}
		fmt.Printf("Favorited %s %s\n", entity, entityID)
	case rateUnfav:
		if err := svc.SetFavorite(ctx, rateUser, rateInstance, entity, entityID, false); err != nil {
			return err
		}
		fmt.Printf("Unfavorited %s %s\n", entity, entityID)
	}
	return nil
}
