// Package graph runs directed graphs of nodes over a shared map state.
//
// A graph is built with StateGraph, compiled into a Runnable and then run
// with Invoke or StreamEvents. Nodes in the same superstep run concurrently;
// their updates are merged through the graph's StateSchema in the order the
// nodes were scheduled. A node steers execution by returning a Command.
//
//	g := graph.NewStateGraph()
//	g.AddNode("triage", graph.NodeFunc(triage))
//	g.AddEdge(graph.START, "triage")
//	g.AddEdge("triage", graph.END)
//	r, err := g.Compile(graph.WithCheckpointer(saver))
//
// With a checkpointer every superstep is durable. Each node's output is
// stored as pending writes before the step's checkpoint is written, so a run
// that stopped midway can be resumed by invoking the thread again with nil
// input: completed nodes are replayed from their writes and only the rest
// are run.
//
// StreamEvents reports the run as on_chain_*, on_chat_model_* and
// on_custom_event events. Nodes add model events through CallModel and
// their own events through DispatchEvent.
package graph
