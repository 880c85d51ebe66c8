// Copyright 2018 The gVisor Authors.
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

package region

import "ftl-os.dev/ftlos/pagetables"

// unmapRange walks every page in r and calls h.UnmapOne on it, the
// shared tail of Handler.Unmap for every variant: each fully-covered
// segment is released page by page through UnmapOne.
func unmapRange(h Handler, env Env, r Range) error {
	for addr := r.Start.Page(); addr < r.End; addr += pagetables.PageSize {
		if err := h.UnmapOne(env, addr); err != nil {
			return err
		}
	}
	return nil
}
