// Package prebuilt provides the graphs served by chatgraph.
//
// CreateMainGraph wires a single triage node between START and END. The
// node sends the conversation to a chat model through graph.CallModel, so
// a streamed run reports the model's tokens as on_chat_model_stream events,
// and appends the reply to the "messages" channel.
//
//	r, err := prebuilt.CreateMainGraph(model,
//		prebuilt.WithCheckpointer(saver),
//		prebuilt.WithRecursionLimit(25),
//	)
//
// ChatAgent wraps the same graph for multi-turn use from Go code.
package prebuilt
