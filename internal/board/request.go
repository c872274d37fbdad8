package board

import (
	"fmt"
	"strings"

	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// aliasFor names the i-th sub-operation. Response data and error paths are
// keyed by these aliases, which is what makes batch outcomes attributable.
func aliasFor(i int) string { return fmt.Sprintf("op%d", i) }

// buildRequest validates the records and constructs one mutation document
// containing a positionally-aliased sub-operation per record, plus the
// variables object. The enumeration auto-create flag is derived once for the
// whole batch before any record is rendered.
func buildRequest(boardID string, req *Request, m model.Mapping) (*apiRequest, error) {
	field := mutationField(req.Op)
	if field == "" {
		return nil, fmt.Errorf("unknown operation %q", req.Op)
	}
	if len(req.Records) == 0 {
		return nil, fmt.Errorf("%s: no records", req.Op)
	}
	if limit := MaxBatch(req.Op); len(req.Records) > limit {
		return nil, fmt.Errorf("%s: %d records exceed the per-call limit of %d", req.Op, len(req.Records), limit)
	}

	autoCreate := deriveAutoCreate(req.Records, m)

	var decls []string
	var ops []string
	variables := make(map[string]any)

	needsBoard := req.Op == OpCreateGroup || req.Op == OpCreateItem ||
		req.Op == OpBatchCreateItem || req.Op == OpUpdateItem
	if needsBoard {
		decls = append(decls, "$board: ID!")
		variables["board"] = boardID
	}

	for i, rec := range req.Records {
		alias := aliasFor(i)
		args := []string{}

		switch req.Op {
		case OpCreateGroup:
			if rec.Name == "" {
				return nil, fmt.Errorf("%s: record %d: group name required", req.Op, i)
			}
			nameVar := fmt.Sprintf("name%d", i)
			decls = append(decls, fmt.Sprintf("$%s: String!", nameVar))
			variables[nameVar] = rec.Name
			args = append(args, "board_id: $board", fmt.Sprintf("group_name: $%s", nameVar))

		case OpCreateItem, OpBatchCreateItem:
			if rec.Name == "" {
				return nil, fmt.Errorf("%s: record %d: item name required", req.Op, i)
			}
			if rec.GroupID == "" {
				return nil, fmt.Errorf("%s: record %d: group id required", req.Op, i)
			}
			nameVar := fmt.Sprintf("name%d", i)
			groupVar := fmt.Sprintf("group%d", i)
			valuesVar := fmt.Sprintf("values%d", i)
			decls = append(decls,
				fmt.Sprintf("$%s: String!", nameVar),
				fmt.Sprintf("$%s: String!", groupVar),
				fmt.Sprintf("$%s: JSON!", valuesVar))
			variables[nameVar] = rec.Name
			variables[groupVar] = rec.GroupID
			values, err := columnValues(rec.Payload, m, autoCreate)
			if err != nil {
				return nil, fmt.Errorf("%s: record %d: %w", req.Op, i, err)
			}
			variables[valuesVar] = values
			args = append(args, "board_id: $board",
				fmt.Sprintf("group_id: $%s", groupVar),
				fmt.Sprintf("item_name: $%s", nameVar),
				fmt.Sprintf("column_values: $%s", valuesVar))

		case OpCreateSubitem:
			if rec.Name == "" {
				return nil, fmt.Errorf("%s: record %d: item name required", req.Op, i)
			}
			if rec.ParentID == "" {
				return nil, fmt.Errorf("%s: record %d: parent item id required", req.Op, i)
			}
			nameVar := fmt.Sprintf("name%d", i)
			parentVar := fmt.Sprintf("parent%d", i)
			valuesVar := fmt.Sprintf("values%d", i)
			decls = append(decls,
				fmt.Sprintf("$%s: String!", nameVar),
				fmt.Sprintf("$%s: ID!", parentVar),
				fmt.Sprintf("$%s: JSON!", valuesVar))
			variables[nameVar] = rec.Name
			variables[parentVar] = rec.ParentID
			values, err := columnValues(rec.Payload, m, autoCreate)
			if err != nil {
				return nil, fmt.Errorf("%s: record %d: %w", req.Op, i, err)
			}
			variables[valuesVar] = values
			args = append(args,
				fmt.Sprintf("parent_item_id: $%s", parentVar),
				fmt.Sprintf("item_name: $%s", nameVar),
				fmt.Sprintf("column_values: $%s", valuesVar))

		case OpUpdateItem, OpUpdateSubitem:
			if rec.ItemID == "" {
				return nil, fmt.Errorf("%s: record %d: item id required", req.Op, i)
			}
			itemVar := fmt.Sprintf("item%d", i)
			valuesVar := fmt.Sprintf("values%d", i)
			decls = append(decls,
				fmt.Sprintf("$%s: ID!", itemVar),
				fmt.Sprintf("$%s: JSON!", valuesVar))
			variables[itemVar] = rec.ItemID
			values, err := columnValues(rec.Payload, m, autoCreate)
			if err != nil {
				return nil, fmt.Errorf("%s: record %d: %w", req.Op, i, err)
			}
			variables[valuesVar] = values
			args = append(args, fmt.Sprintf("item_id: $%s", itemVar))
			if req.Op == OpUpdateItem {
				args = append(args, "board_id: $board")
			}
			args = append(args, fmt.Sprintf("column_values: $%s", valuesVar))
		}

		ops = append(ops, fmt.Sprintf("  %s: %s(%s) { id }", alias, field, strings.Join(args, ", ")))
	}

	var doc strings.Builder
	doc.WriteString("mutation (")
	doc.WriteString(strings.Join(decls, ", "))
	doc.WriteString(") {\n")
	doc.WriteString(strings.Join(ops, "\n"))
	doc.WriteString("\n}")

	return &apiRequest{Query: doc.String(), Variables: variables}, nil
}
