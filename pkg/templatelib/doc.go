/*
Package templatelib owns the on-disk template tree and an in-memory
(template_id -> path, validation_state) index rebuilt from that tree at
startup, so the filesystem stays the single source of truth for what
templates exist.

Curated templates live at {root}/{category}/{name}.yaml. AI-synthesized
templates live at {root}/ai/{cve_id}.yaml, or {root}/ai/{cve_id}.r{n}.yaml
for the nth refinement. Put writes to a temp file in the target
directory and renames it into place, so a reader never observes a
partially written template.
*/
package templatelib
