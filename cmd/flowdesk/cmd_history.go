// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/FlowDesk/pkg/identity"
	"github.com/AleutianAI/FlowDesk/pkg/ux"
)

func runHistoryCommand(cmd *cobra.Command, _ []string) error {
	clearHistory, _ := cmd.Flags().GetBool("clear")

	a, err := openApp(cmd.Context(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	return showHistory(a, ux.Stdout(), clearHistory)
}

func showHistory(a *app, p *ux.Printer, clearHistory bool) error {
	who := identity.Key(a.binding.Identity)
	if clearHistory {
		a.repo.Clear()
		p.Success(fmt.Sprintf("cleared conversation history for %s", who))
		return nil
	}
	p.Muted(fmt.Sprintf("conversation history for %s", who))
	ux.RenderHistory(p, a.store.Snapshot())
	return nil
}
