// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package helperupdate

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// rpsSlotNames is the fixed rock/paper/scissors rotation, cyclic in this
// order: R -> P -> S -> R.
var rpsSlotNames = [3]string{"com.apple.boot.R", "com.apple.boot.P", "com.apple.boot.S"}

// presentRPSSlots stats the three fixed RPS directory names at helperRoot.
func presentRPSSlots(helperRoot string) ([3]bool, error) {
	var present [3]bool
	for i, name := range rpsSlotNames {
		info, err := os.Stat(filepath.Join(helperRoot, name))
		if err == nil {
			present[i] = info.IsDir()
			continue
		}
		if !os.IsNotExist(err) {
			return present, errors.Wrapf(err, "helperupdate: stat %s", name)
		}
	}
	return present, nil
}

// selectRotation picks current/next/previous RPS slot indices given which
// of the three fixed slots currently exist, per spec.md §4.1 step 2.
// current is the slot holding the pre-update active generation (left
// untouched until cleanup), next is the slot the new generation is staged
// and activated into, and previous is the stale slot deep-unlinked at
// cleanup once next is active.
//
//   - all three present: current=R (caller logs a warning), next=P, previous=S.
//   - exactly two present: the missing slot is next; of the two present
//     slots, the one immediately after the missing slot in the cyclic
//     order R->P->S->R is current (the pre-update active generation, kept
//     in place), and the one immediately before it is previous (deleted
//     at cleanup).
//   - exactly one present: that slot is both current and previous — it is
//     the pre-update active generation, and since it is the only thing on
//     disk it is also what gets deep-unlinked at cleanup once the new
//     generation lands in next.
//   - none present: a fresh helper has nothing active; the new generation
//     lands in R, next (P) stands in as previous for the no-op cleanup.
func selectRotation(present [3]bool) (current, next, previous int, allThreePresent bool) {
	count := 0
	for _, p := range present {
		if p {
			count++
		}
	}

	switch count {
	case 2:
		missing := missingSlot(present)
		current = (missing + 1) % 3
		next = missing
		previous = (missing + 2) % 3
	case 1:
		current = presentSlot(present)
		next = (current + 1) % 3
		previous = current
	case 0:
		current, next, previous = 2, 0, 1
	default: // 3
		current, next, previous = 0, 1, 2
	}
	return current, next, previous, count == 3
}

func missingSlot(present [3]bool) int {
	for i, p := range present {
		if !p {
			return i
		}
	}
	return -1
}

func presentSlot(present [3]bool) int {
	for i, p := range present {
		if p {
			return i
		}
	}
	return -1
}
