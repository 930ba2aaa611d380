package prompt

import "github.com/lucasnoah/testfactory/internal/candidate"

const (
	GenerateTemplate = "generate.md"
	RefineTemplate   = "refine.md"
	RepairTemplate   = "repair.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	GenerateTemplate: generateTemplate,
	RefineTemplate:   refineTemplate,
	RepairTemplate:   repairTemplate,
}

const generateTemplate = `Write {{framework}} unit tests for the C++ source file below.

Source file: {{unit}}

Requirements:
- Produce one complete, compilable test file.
- Include <gtest/gtest.h> and the headers the source file's declarations live in.
- Cover normal behaviour, edge cases and error paths of every public function.
- Do not redefine or reimplement anything from the source file.
- Do not write a main() function.
{{#if extra_instructions}}
{{extra_instructions}}
{{/if}}

Answer with the test file in a single ` + "```cpp" + ` code block.

C++ source file:
` + "```cpp" + `
{{source}}
` + "```" + `
`

const refineTemplate = `Review and improve the {{framework}} test file below for {{unit}}.

- Remove duplicate or trivial tests.
- Fix includes, namespaces and obvious compile errors.
- Make assertions specific; prefer EXPECT_EQ over EXPECT_TRUE(a == b).
- Keep every test that exercises real behaviour.

Answer with the full improved test file in a single ` + "```cpp" + ` code block.

Test file:
` + "```cpp" + `
{{test_code}}
` + "```" + `
{{#if source}}

Source under test:
` + "```cpp" + `
{{source}}
` + "```" + `
{{/if}}
`

const repairTemplate = `The {{framework}} test file for {{unit}} does not build (repair attempt {{cycle}}).

Failure kind: {{failure_kind}}
{{#if hint}}
Hint: {{hint}}
{{/if}}

Build output:
` + "```" + `
{{diagnostic}}
` + "```" + `

Fix the test file so it compiles and links. Change only what the error requires.
Answer with the full corrected test file in a single ` + "```cpp" + ` code block.

Test file:
` + "```cpp" + `
{{test_code}}
` + "```" + `
{{#if source}}

Source under test:
` + "```cpp" + `
{{source}}
` + "```" + `
{{/if}}
`

// repairHints steers the repair prompt per failure kind.
var repairHints = map[candidate.FailureKind]string{
	candidate.FailureMissingInclude:  "A header could not be found. Include only headers that exist next to the source file or in the standard library, using the same include paths the source file uses.",
	candidate.FailureUndefinedSymbol: "A name is not declared. Check spelling, namespaces and the class's actual public interface in the source; do not call functions that do not exist.",
	candidate.FailureSyntaxError:     "The file does not parse. Look for unbalanced braces, missing semicolons and stray prose or markdown in the code.",
	candidate.FailureLinkError:       "The file compiles but does not link. Do not define main(), do not redefine functions from the source, and only call functions that have definitions.",
	candidate.FailureTimeout:         "The build timed out. Reduce template-heavy or generated code and remove very large test tables.",
}

// RepairHint returns the hint for kind, or "" for kinds without one.
func RepairHint(kind candidate.FailureKind) string {
	return repairHints[kind]
}
