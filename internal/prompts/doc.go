// Package prompts holds the text sent to the generative service.
//
// Prompt text lives in Go rather than config files because it is
// program logic: the sections are interpolated with fmt and checked by
// tests. The operator-owned part of the prompt is the training file.
//
// Convention: each prompt category gets its own file with an exported
// function that takes the dynamic parts and returns the finished text.
package prompts
