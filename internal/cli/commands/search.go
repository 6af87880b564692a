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
	"encoding/binary"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"stashmirror/internal/query"
	"stashmirror/internal/storage"
)

var (
	searchInstance   string
	searchUser       string
	searchSort       string
	searchDirection  string
	searchSeed       int64
	searchPage       int
	searchPerPage    int
	searchText       string
	searchTags       []string
	searchPerformers []string
	searchStudios    []string
	searchExclusions bool
)

var searchCmd = &cobra.Command{
	Use:   "search <entity>",
	Short: "Search the mirrored library",
	Long: `Run one paginated search against the local mirror. The entity is one of
scene, performer, studio, tag, group, gallery or image. Filters combine
with AND. Requires a completed full sync of the instance.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchInstance, "instance", "", "source instance to search (required)")
	searchCmd.Flags().StringVar(&searchUser, "user", "", "user whose ratings, favorites and counters to merge")
	searchCmd.Flags().StringVar(&searchSort, "sort", "", "sort field (default created_at; 'random' shuffles)")
	searchCmd.Flags().StringVar(&searchDirection, "direction", "asc", "sort direction: asc or desc")
	searchCmd.Flags().Int64Var(&searchSeed, "seed", 0, "seed for the random sort (default: fresh per invocation)")
	searchCmd.Flags().IntVar(&searchPage, "page", 1, "page number")
	searchCmd.Flags().IntVar(&searchPerPage, "per-page", query.DefaultPerPage, "rows per page")
	searchCmd.Flags().StringVar(&searchText, "text", "", "full-text query over titles, details and names")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "require one of these tag ids (repeatable)")
	searchCmd.Flags().StringSliceVar(&searchPerformers, "performer", nil, "require one of these performer ids")
	searchCmd.Flags().StringSliceVar(&searchStudios, "studio", nil, "require one of these studio ids")
	searchCmd.Flags().BoolVar(&searchExclusions, "apply-exclusions", false, "hide entities the user's restrictions exclude")
	searchCmd.MarkFlagRequired("instance")
	rootCmd.AddCommand(searchCmd)
}

// freshSeed derives a random-sort seed for one invocation, so repeated
// searches shuffle differently unless the caller pins --seed.
func freshSeed() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) >> 1)
}

func runSearch(cmd *cobra.Command, args []string) error {
	store, err := openStore(storage.DBContextQuery)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := buildService(store)
	if err != nil {
		return err
	}

	spec := query.Spec{
		Entity:          storage.EntityType(args[0]),
		InstanceID:      searchInstance,
		UserID:          searchUser,
		ApplyExclusions: searchExclusions,
		Sort:            searchSort,
		Direction:       query.Direction(searchDirection),
		Seed:            searchSeed,
		Page:            searchPage,
		PerPage:         searchPerPage,
	}
	if searchSort == query.SortRandom && !cmd.Flags().Changed("seed") {
		spec.Seed = freshSeed()
	}
	if searchText != "" {
		spec.Criteria = append(spec.Criteria, query.TextCriterion{Query: searchText})
	}
	if len(searchTags) > 0 {
		spec.Criteria = append(spec.Criteria, query.IDCriterion{
			Field: "tags", Modifier: query.ModifierIncludes, IDs: searchTags,
		})
	}
	if len(searchPerformers) > 0 {
		spec.Criteria = append(spec.Criteria, query.IDCriterion{
			Field: "performers", Modifier: query.ModifierIncludes, IDs: searchPerformers,
		})
	}
	if len(searchStudios) > 0 {
		spec.Criteria = append(spec.Criteria, query.IDCriterion{
			Field: "studios", Modifier: query.ModifierIncludes, IDs: searchStudios,
		})
	}

	res, err := svc.Execute(cmd.Context(), spec)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tDATE\tRATING\tFAV\tSTUDIO")
	for _, r := range res.Rows {
		rating := "-"
		if r.Rating != nil {
			rating = fmt.Sprintf("%d", *r.Rating)
		}
		fav := ""
		if r.Favorite {
			fav = "*"
		}
		studio := ""
		if r.Studio != nil {
			studio = r.Studio.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Title, r.Date, rating, fav, studio)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d rows (page %d)\n", len(res.Rows), res.TotalCount, spec.Page)
	return nil
}
