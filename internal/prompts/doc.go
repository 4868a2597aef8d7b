// Package prompts holds the text chatty sends to models.
//
// Prompt text is Go code rather than config because it is program logic:
// templates take their dynamic parts as arguments and are checked by
// tests. Operators can append to the system prompt through
// agent.system_prompt in config.yaml.
package prompts
