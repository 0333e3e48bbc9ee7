package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/securadb/repository"
	"github.com/Dev-Stive/securadb/securadb/search"
	"github.com/Dev-Stive/securadb/types"
)

// repository returns the repository of name using its configured schema
// when there is one.
func (s *session) repository(name string) (*repository.Repository, error) {
	schema := types.CollectionSchema{Name: name}
	for _, declared := range s.cfg.Schemas {
		if declared.Name == name {
			schema = declared
			break
		}
	}
	return s.db.Repository(schema)
}

func printDocuments(tw *tabwriter.Writer, docs []types.Document) {
	fmt.Fprintln(tw, "ID\tUPDATED\tDATA")
	for _, doc := range docs {
		updated := doc.UpdatedAt()
		fmt.Fprintf(tw, "%s\t%s\t%s\n", doc.ID(), formatTime(&updated), dataColumn(doc))
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		filter         string
		opts           repository.ListOptions
		includeDeleted bool
	)
	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List documents of a collection",
		Example: `  securadb list users --filter '{"age":{"$gte":18}}' --sort -createdAt --limit 20
  securadb list users --filter '{"$or":[{"role":"admin"},{"role":"owner"}]}' -f json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f query.Filter
			if filter != "" {
				var criteria map[string]interface{}
				if err := json.Unmarshal([]byte(filter), &criteria); err != nil {
					return fmt.Errorf("invalid --filter: %w", err)
				}
				parsed, err := query.Parse(criteria)
				if err != nil {
					return fmt.Errorf("invalid --filter: %w", err)
				}
				f = parsed
			}
			opts.IncludeDeleted = includeDeleted
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				repo, err := s.repository(args[0])
				if err != nil {
					return err
				}
				page, err := repo.FindAll(ctx, f, opts)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), c.format, page, func(tw *tabwriter.Writer) {
					printDocuments(tw, page.Items)
					p := page.Pagination
					fmt.Fprintf(tw, "\npage %d of %d\t(%d total)\n", p.Page, p.TotalPages, p.Total)
				})
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "JSON filter, e.g. '{\"status\":\"active\"}'")
	cmd.Flags().StringVar(&opts.Sort, "sort", "", "sort fields, e.g. -createdAt,name")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size (0 for all)")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted documents")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				repo, err := s.repository(args[0])
				if err != nil {
					return err
				}
				doc, err := repo.FindByID(ctx, args[1])
				if err != nil {
					return err
				}
				if doc == nil {
					return &types.NotFoundError{Collection: args[0], ID: args[1]}
				}
				return render(cmd.OutOrStdout(), c.format, doc, func(tw *tabwriter.Writer) {
					for _, k := range sortedKeys(doc) {
						value, _ := json.Marshal(doc[k])
						fmt.Fprintf(tw, "%s\t%s\n", k, value)
					}
				})
			})
		},
	}
}

func (c *cli) searchCmd() *cobra.Command {
	var opts search.Options
	cmd := &cobra.Command{
		Use:   "search <collection> <text>",
		Short: "Rank documents by how well their text fields match",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Query = args[1]
			opts.Highlight = true
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				repo, err := s.repository(args[0])
				if err != nil {
					return err
				}
				results, err := repo.Search(ctx, opts, nil)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), c.format, results, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tSCORE\tFIELD\tMATCH")
					for _, r := range results {
						for _, field := range r.MatchedFields {
							fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\n", r.Document.ID(), r.Score, field, r.Highlights[field])
						}
					}
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "dotted fields to search (default: every text field)")
	cmd.Flags().BoolVar(&opts.CaseSensitive, "case-sensitive", false, "match case")
	cmd.Flags().BoolVar(&opts.ExactMatch, "exact", false, "require the whole field to match")
	cmd.Flags().IntVar(&opts.MaxResults, "max", 20, "maximum results (0 for all)")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <collection> <file.json|->",
		Short: "Create documents from a JSON array",
		Long:  "Creates every document of the array in one transaction. Nothing is stored when any document fails validation or a unique constraint.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocuments(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			return c.run(cmd, true, func(ctx context.Context, s *session) error {
				repo, err := s.repository(args[0])
				if err != nil {
					return err
				}
				created, err := repo.BulkCreate(ctx, docs)
				if err != nil {
					return err
				}
				ids := make([]string, len(created))
				for i, doc := range created {
					ids[i] = doc.ID()
				}
				view := map[string]interface{}{"collection": args[0], "created": ids}
				return render(cmd.OutOrStdout(), c.format, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "CREATED\t%d\n", len(ids))
				})
			})
		},
	}
}

func readDocuments(stdin io.Reader, path string) ([]types.Document, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	var docs []types.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse documents: %w", err)
	}
	return docs, nil
}
