package sandbox

// prelude defines the TaskExecutor base class every template extends. All
// methods delegate to the host bridge; the bridge records typed errors
// before throwing so error kinds survive the interpreter boundary.
const prelude = `
class TaskExecutor {
	constructor() {
		this.store = {
			read: function(collection, key) { return __host.storeRead(collection, key); },
			write: function(collection, key, doc) { __host.storeWrite(collection, key, doc); },
			keys: function(collection) { return __host.storeKeys(collection); }
		};
	}

	get parameters() { return __host.parameters(); }
	get taskId() { return __host.taskId(); }

	log(level, message, meta) { __host.log(level, message, meta || null); }

	checkCancellation() { __host.checkCancellation(); }

	updateProgress(percent, message, step, data) {
		__host.updateProgress(percent, message, step || "", data || null);
	}

	createCheckpoint(step, data) { __host.createCheckpoint(step, data || null); }

	callAPI(method, params) { return __host.callAPI(method, params || null); }

	callAdapter(name, method, params) { return __host.callAdapter(name, method, params || null); }

	callGemini(prompt, opts) { return __host.callGemini(prompt, opts || null); }

	streamingFetch(method, query, opts) {
		return __host.streamingFetch(method, query || null, opts || null);
	}

	uploadReport(html, filename, meta) {
		return __host.uploadReport(html, filename, meta || null);
	}

	getMemoryEnhancedContext() { return __host.getMemoryEnhancedContext(); }

	updateMemoryStatistics(memoryIds, success) {
		__host.updateMemoryStatistics(memoryIds, success);
	}

	sleep(ms) { __host.sleep(ms); }
}

var console = {
	log: function(msg) { __host.log("info", String(msg), null); },
	warn: function(msg) { __host.log("warn", String(msg), null); },
	error: function(msg) { __host.log("error", String(msg), null); }
};
`
