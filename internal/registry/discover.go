// Copyright (c) 2026 John Earle
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

package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// stateSuffixes mark files in the token directory that are not tokens.
var stateSuffixes = []string{".state.json", ".watermark.json", ".watch.json"}

// DiscoverAccounts returns the accounts to serve from a token directory.
//
//   - If include is non-empty, only those accounts are used and each must
//     have a token file.
//   - Otherwise every <account>.json token file is used.
//   - In both cases exclude is applied case-insensitively.
func DiscoverAccounts(tokensDir string, include, exclude []string) ([]string, error) {
	accounts, _, err := discoverTokens(tokensDir, include, exclude)
	return accounts, err
}

// discoverTokens is DiscoverAccounts plus the token filename of each account
// as it appears on disk, which may differ in case from the account.
func discoverTokens(tokensDir string, include, exclude []string) ([]string, map[string]string, error) {
	excludeSet := make(map[string]bool, len(exclude))
	for _, a := range exclude {
		excludeSet[normalize(a)] = true
	}

	available, err := tokenFiles(tokensDir)
	if err != nil {
		return nil, nil, err
	}

	var accounts []string
	if len(include) > 0 {
		slog.Info("using explicit account list", "count", len(include))
		seen := make(map[string]bool, len(include))
		for _, a := range include {
			account := normalize(a)
			if account == "" || seen[account] || excludeSet[account] {
				continue
			}
			if _, ok := available[account]; !ok {
				return nil, nil, fmt.Errorf("no token file for configured account %s in %s", account, tokensDir)
			}
			seen[account] = true
			accounts = append(accounts, account)
		}
		return accounts, available, nil
	}

	for account := range available {
		if excludeSet[account] {
			slog.Debug("excluding account", "account", account)
			continue
		}
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	slog.Info("account discovery complete",
		"tokens_dir", tokensDir,
		"discovered", len(accounts),
	)
	return accounts, available, nil
}

// tokenFiles maps each lowercased account to its token filename. When two
// files differ only in case the lexically first one wins.
func tokenFiles(tokensDir string) (map[string]string, error) {
	entries, err := os.ReadDir(tokensDir)
	if err != nil {
		return nil, fmt.Errorf("read tokens dir %s: %w", tokensDir, err)
	}

	out := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || isStateFile(name) {
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		if !strings.Contains(stem, "@") {
			continue
		}
		account := normalize(stem)
		if prev, dup := out[account]; dup {
			slog.Warn("duplicate token files for account", "account", account, "using", prev, "ignored", name)
			continue
		}
		out[account] = name
	}
	return out, nil
}

func isStateFile(name string) bool {
	for _, suffix := range stateSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
